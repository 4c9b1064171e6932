// Package resolver materializes a node's input envelopes from the
// outputs of its upstream nodes, applying condition-branch gating,
// person_job first-port selection and per-arrow transforms.
package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Logger is the log surface the resolver needs.
type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// History is the slice of tracker state input resolution reads.
type History interface {
	LastOutput(node diagram.NodeID) *envelope.Envelope
	ExecCount(node diagram.NodeID) int
	Branch(node diagram.NodeID) string
}

// Resolver collects and transforms upstream outputs for dispatch.
type Resolver struct {
	log Logger
}

// New returns a resolver logging through log.
func New(log Logger) *Resolver {
	return &Resolver{log: log}
}

// Resolve returns the input map for node, keyed by arrow label, target
// port or "default". Unconnected ports yield no entry.
func (r *Resolver) Resolve(d *diagram.Diagram, hist History, node *diagram.Node) (map[string]*envelope.Envelope, error) {
	arrows := r.selectArrows(d, hist, node)

	inputs := make(map[string]*envelope.Envelope, len(arrows))
	for _, a := range arrows {
		out := hist.LastOutput(a.Source)
		if out == nil {
			continue
		}

		transformed, err := r.transform(a, out)
		if err != nil {
			return nil, &execution.InputResolutionError{Node: node.ID, Err: err}
		}

		key := a.InputKey()
		if prev, dup := inputs[key]; dup {
			// Last writer in arrow declaration order wins; record the
			// clobber so diagram authors can see it.
			r.log.Warn("multiple arrows write the same input port",
				"node_id", node.ID,
				"port", key,
				"replaced_source", prev.ProducedBy(),
				"winning_source", a.Source)
			transformed = transformed.WithMeta(envelope.MetaOverwrites, prev.ProducedBy())
		}
		inputs[key] = transformed
	}
	return inputs, nil
}

// selectArrows filters incoming arrows per the gating rules: sources
// must have produced output, condition sources gate on the selected
// branch, and person_job nodes consume "first"-port arrows only on
// their first invocation. conversation_state arrows bypass the
// first/subsequent split so dialogue history always flows.
func (r *Resolver) selectArrows(d *diagram.Diagram, hist History, node *diagram.Node) []*diagram.Arrow {
	incoming := d.Incoming(node.ID)

	candidates := make([]*diagram.Arrow, 0, len(incoming))
	for _, a := range incoming {
		if hist.LastOutput(a.Source) == nil {
			continue
		}
		if src, ok := d.Node(a.Source); ok && src.Kind == diagram.KindCondition {
			if hist.Branch(a.Source) != a.SourcePort {
				continue
			}
		}
		candidates = append(candidates, a)
	}

	if node.Kind != diagram.KindPersonJob {
		return candidates
	}

	firstRun := hist.ExecCount(node.ID) == 0
	var firstArrows, regular, conversations []*diagram.Arrow
	for _, a := range candidates {
		switch {
		case a.ContentType == string(envelope.Conversation):
			conversations = append(conversations, a)
		case a.TargetPort == diagram.PortFirst:
			firstArrows = append(firstArrows, a)
		default:
			regular = append(regular, a)
		}
	}

	if firstRun && len(firstArrows) > 0 {
		return append(firstArrows, conversations...)
	}
	if firstRun {
		return append(regular, conversations...)
	}
	return append(regular, conversations...)
}

// transform applies the arrow's content-type rule to the envelope.
func (r *Resolver) transform(a *diagram.Arrow, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.ContentType() == envelope.Conversation {
		return env, nil
	}

	if a.ContentType == string(envelope.Object) && env.ContentType() == envelope.RawText {
		text, _ := env.Text()
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, fmt.Errorf("arrow %s: parse text from %s as JSON: %w", a.ID, a.Source, err)
		}
		env = envelope.NewJSON(env.ProducedBy(), parsed).WithTrace(env.TraceID())
	}

	if a.Path != "" && env.ContentType() == envelope.Object {
		body, err := env.JSON()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("arrow %s: marshal object from %s: %w", a.ID, a.Source, err)
		}
		result := gjson.GetBytes(raw, a.Path)
		if !result.Exists() {
			return nil, fmt.Errorf("arrow %s: path %q not found in output of %s", a.ID, a.Path, a.Source)
		}
		env = envelope.NewJSON(env.ProducedBy(), result.Value()).WithTrace(env.TraceID())
	}

	return env, nil
}
