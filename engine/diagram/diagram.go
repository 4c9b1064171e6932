// Package diagram holds the immutable in-memory form of a diagram: a
// directed multigraph of typed nodes wired by arrows with named ports.
package diagram

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

type (
	// NodeID identifies a node within one diagram.
	NodeID string
	// ArrowID identifies an arrow within one diagram.
	ArrowID string
	// DiagramID identifies a diagram.
	DiagramID string
	// Kind is the node type tag a handler registers for.
	Kind string
)

// Built-in node kinds. The handler registry accepts arbitrary
// additional kinds.
const (
	KindStart      Kind = "start"
	KindCondition  Kind = "condition"
	KindPersonJob  Kind = "person_job"
	KindCodeJob    Kind = "code_job"
	KindEndpoint   Kind = "endpoint"
	KindSubDiagram Kind = "sub_diagram"
)

// Port names used on arrow endpoints.
const (
	PortDefault   = "default"
	PortFirst     = "first"
	PortCondTrue  = "condtrue"
	PortCondFalse = "condfalse"
)

// Node is a unit of work, identified by its kind and configuration.
type Node struct {
	ID     NodeID         `json:"id"`
	Kind   Kind           `json:"type"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// ConfigString returns a string config value or the fallback.
func (n *Node) ConfigString(key, fallback string) string {
	if v, ok := n.Config[key].(string); ok {
		return v
	}
	return fallback
}

// ConfigBool returns a bool config value or the fallback.
func (n *Node) ConfigBool(key string, fallback bool) bool {
	if v, ok := n.Config[key].(bool); ok {
		return v
	}
	return fallback
}

// ConfigInt returns an int config value or the fallback. JSON numbers
// arrive as float64 and are accepted.
func (n *Node) ConfigInt(key string, fallback int) int {
	switch v := n.Config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// ConfigMap returns a map config value or nil.
func (n *Node) ConfigMap(key string) map[string]any {
	if v, ok := n.Config[key].(map[string]any); ok {
		return v
	}
	return nil
}

// MaxIteration returns the loop budget of a person_job node.
func (n *Node) MaxIteration() int {
	if v := n.ConfigInt("max_iteration", 0); v > 0 {
		return v
	}
	return 1
}

// Timeout returns the per-node handler timeout, zero when unset.
func (n *Node) Timeout() time.Duration {
	if secs := n.ConfigInt("timeout", 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Label returns the node name, falling back to the id.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return string(n.ID)
}

// Arrow wires a source node output port to a target node input port,
// optionally carrying a transform.
type Arrow struct {
	ID          ArrowID `json:"id,omitempty"`
	Source      NodeID  `json:"source"`
	SourcePort  string  `json:"source_port,omitempty"`
	Target      NodeID  `json:"target"`
	TargetPort  string  `json:"target_port,omitempty"`
	Label       string  `json:"label,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Path        string  `json:"path,omitempty"`
}

// InputKey is the port the arrow writes in the resolved input map.
func (a *Arrow) InputKey() string {
	if a.Label != "" {
		return a.Label
	}
	if a.TargetPort != "" {
		return a.TargetPort
	}
	return PortDefault
}

// Diagram is immutable once built. All accessors are safe for
// concurrent use.
type Diagram struct {
	ID        DiagramID
	Name      string
	Variables map[string]any

	nodes    map[NodeID]*Node
	order    []NodeID
	arrows   []*Arrow
	incoming map[NodeID][]*Arrow
	outgoing map[NodeID][]*Arrow
	starts   []NodeID
}

// New builds a diagram from nodes and arrows, validating structure.
func New(id DiagramID, name string, nodes []*Node, arrows []*Arrow, variables map[string]any) (*Diagram, error) {
	d := &Diagram{
		ID:        id,
		Name:      name,
		Variables: variables,
		nodes:     make(map[NodeID]*Node, len(nodes)),
		order:     make([]NodeID, 0, len(nodes)),
		arrows:    arrows,
		incoming:  make(map[NodeID][]*Arrow),
		outgoing:  make(map[NodeID][]*Arrow),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node without id")
		}
		if _, dup := d.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		d.nodes[n.ID] = n
		d.order = append(d.order, n.ID)
		if n.Kind == KindStart {
			d.starts = append(d.starts, n.ID)
		}
	}

	for i, a := range arrows {
		if a.SourcePort == "" {
			a.SourcePort = PortDefault
		}
		if a.TargetPort == "" {
			a.TargetPort = PortDefault
		}
		if a.ID == "" {
			a.ID = ArrowID(fmt.Sprintf("a%d", i+1))
		}
		src, ok := d.nodes[a.Source]
		if !ok {
			return nil, fmt.Errorf("arrow %s references unknown source %q", a.ID, a.Source)
		}
		if _, ok := d.nodes[a.Target]; !ok {
			return nil, fmt.Errorf("arrow %s references unknown target %q", a.ID, a.Target)
		}
		if src.Kind == KindCondition && a.SourcePort != PortCondTrue && a.SourcePort != PortCondFalse {
			return nil, fmt.Errorf("arrow %s leaves condition node %q on port %q (want condtrue or condfalse)", a.ID, a.Source, a.SourcePort)
		}
		d.incoming[a.Target] = append(d.incoming[a.Target], a)
		d.outgoing[a.Source] = append(d.outgoing[a.Source], a)
	}

	if len(d.nodes) > 0 && len(d.starts) == 0 {
		return nil, fmt.Errorf("diagram %q has no start node", name)
	}

	return d, nil
}

// Node returns a node by id.
func (d *Diagram) Node(id NodeID) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (d *Diagram) Len() int { return len(d.nodes) }

// NodeOrder returns node ids in declaration order.
func (d *Diagram) NodeOrder() []NodeID { return d.order }

// Arrows returns all arrows in declaration order.
func (d *Diagram) Arrows() []*Arrow { return d.arrows }

// Incoming returns the arrows targeting a node, in declaration order.
func (d *Diagram) Incoming(id NodeID) []*Arrow { return d.incoming[id] }

// Outgoing returns the arrows leaving a node, in declaration order.
func (d *Diagram) Outgoing(id NodeID) []*Arrow { return d.outgoing[id] }

// StartNodes returns the entry nodes.
func (d *Diagram) StartNodes() []NodeID { return d.starts }

// NodesOfKind returns the ids of all nodes with the given kind, in
// declaration order.
func (d *Diagram) NodesOfKind(kind Kind) []NodeID {
	var out []NodeID
	for _, id := range d.order {
		if d.nodes[id].Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// Reaches reports whether a path of at least one arrow leads from
// from to to.
func (d *Diagram) Reaches(from, to NodeID) bool {
	visited := mapset.NewThreadUnsafeSet[NodeID]()
	queue := []NodeID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if !visited.Add(cur) {
			continue
		}
		for _, a := range d.outgoing[cur] {
			if a.Target == to {
				return true
			}
			if !visited.Contains(a.Target) {
				queue = append(queue, a.Target)
			}
		}
	}
	return false
}

// InLoop reports whether a node sits on a cycle, meaning some incoming
// arrow originates from a node the node itself can reach.
func (d *Diagram) InLoop(id NodeID) bool {
	for _, a := range d.incoming[id] {
		if a.Source != id && d.Reaches(id, a.Source) {
			return true
		}
		if a.Source == id {
			return true
		}
	}
	return false
}
