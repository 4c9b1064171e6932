package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/diaflow/engine/envelope"
)

// placeholderPattern matches {{name}} and {{name.dotted.path}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.]*)\s*\}\}`)

// ExtractVariables returns the distinct root variable names a template
// references, in first-appearance order. "{{user.name}}" contributes
// "user".
func ExtractVariables(tmpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		root := match[1]
		if dot := strings.IndexByte(root, '.'); dot >= 0 {
			root = root[:dot]
		}
		if !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}
	return out
}

// Scope flattens resolved inputs and execution variables into one
// lookup map for template rendering. Input ports shadow variables of
// the same name.
func Scope(inputs map[string]*envelope.Envelope, vars map[string]any) map[string]any {
	scope := make(map[string]any, len(inputs)+len(vars))
	for k, v := range vars {
		scope[k] = v
	}
	for port, env := range inputs {
		scope[port] = env.Body()
	}
	return scope
}

// Render substitutes placeholders from the scope. Dotted paths resolve
// with gjson against the scope's JSON form. Unresolvable placeholders
// are left in place so missing data stays visible in the output.
func Render(tmpl string, scope map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	var scopeJSON []byte
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(placeholder string) string {
		path := placeholderPattern.FindStringSubmatch(placeholder)[1]

		if !strings.Contains(path, ".") {
			if v, ok := scope[path]; ok {
				return stringify(v)
			}
			return placeholder
		}

		if scopeJSON == nil {
			raw, err := json.Marshal(scope)
			if err != nil {
				return placeholder
			}
			scopeJSON = raw
		}
		result := gjson.GetBytes(scopeJSON, path)
		if !result.Exists() {
			return placeholder
		}
		return stringify(result.Value())
	})
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case *envelope.Dialogue:
		if n := len(val.Messages); n > 0 {
			return val.Messages[n-1].Content
		}
		return ""
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
