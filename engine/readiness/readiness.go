// Package readiness decides which diagram nodes may execute now, based
// on node status, upstream completion, condition-branch gating and the
// person_job loop rules.
package readiness

import (
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/resolver"
)

// History is the slice of tracker state readiness evaluation reads.
type History interface {
	Status(node diagram.NodeID) execution.NodeStatus
	ExecCount(node diagram.NodeID) int
	Branch(node diagram.NodeID) string
	LastOutput(node diagram.NodeID) *envelope.Envelope
	LastTerminalSeq(node diagram.NodeID) int64
}

// Checker evaluates node readiness. Stateless and safe for concurrent
// use; consistency comes from evaluating against a tracker snapshot
// under the execution lock.
type Checker struct{}

// New returns a checker.
func New() *Checker {
	return &Checker{}
}

// ReadyNodes returns all currently dispatchable nodes in diagram
// declaration order. vars is the execution's variable scope, which
// participates in prompt-variable gating.
func (c *Checker) ReadyNodes(d *diagram.Diagram, hist History, vars map[string]any) []diagram.NodeID {
	var out []diagram.NodeID
	for _, id := range d.NodeOrder() {
		node, _ := d.Node(id)
		if c.Ready(d, hist, vars, node) {
			out = append(out, id)
		}
	}
	return out
}

// Ready reports whether node may be dispatched now.
func (c *Checker) Ready(d *diagram.Diagram, hist History, vars map[string]any, node *diagram.Node) bool {
	status := hist.Status(node.ID)

	if node.Kind == diagram.KindStart {
		return status == execution.NodePending
	}

	// A completed condition node re-arms when fresh input arrived after
	// its own last run. It is never reset by the downstream cascade.
	if node.Kind == diagram.KindCondition && status == execution.NodeCompleted {
		return c.dependenciesMet(d, hist, node) && c.hasFreshInput(d, hist, node)
	}

	if status != execution.NodePending {
		return false
	}
	if !c.dependenciesMet(d, hist, node) {
		return false
	}
	if node.Kind == diagram.KindPersonJob && !c.promptVariablesSatisfied(d, vars, node) {
		return false
	}
	return true
}

// dependenciesMet checks every relevant incoming arrow. A node with no
// incoming arrows depends on nothing, but only start nodes are entry
// points, so such nodes become ready immediately by construction.
func (c *Checker) dependenciesMet(d *diagram.Diagram, hist History, node *diagram.Node) bool {
	arrows := c.relevantArrows(d, hist, node)
	if len(arrows) == 0 && len(d.Incoming(node.ID)) > 0 {
		// All incoming arrows were pruned by first/subsequent
		// selection; nothing can feed this node right now.
		return false
	}

	for _, a := range arrows {
		if !c.arrowSatisfied(d, hist, a) {
			return false
		}
	}
	return true
}

// relevantArrows narrows incoming arrows the same way input resolution
// will at dispatch: person_job first-port selection with the
// conversation_state bypass.
func (c *Checker) relevantArrows(d *diagram.Diagram, hist History, node *diagram.Node) []*diagram.Arrow {
	incoming := d.Incoming(node.ID)
	if node.Kind != diagram.KindPersonJob {
		return incoming
	}

	firstRun := hist.ExecCount(node.ID) == 0
	var firstArrows, regular, conversations []*diagram.Arrow
	for _, a := range incoming {
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

// arrowSatisfied reports whether one dependency arrow is fulfilled.
func (c *Checker) arrowSatisfied(d *diagram.Diagram, hist History, a *diagram.Arrow) bool {
	src, ok := d.Node(a.Source)
	if !ok {
		return false
	}

	if src.Kind == diagram.KindCondition {
		return hist.Status(a.Source).Satisfies() && hist.Branch(a.Source) == a.SourcePort
	}

	status := hist.Status(a.Source)
	if status.Satisfies() {
		return true
	}
	// A person_job source sitting PENDING between loop iterations has
	// already produced output; downstream consumers may proceed on it.
	if src.Kind == diagram.KindPersonJob && status == execution.NodePending && hist.ExecCount(a.Source) > 0 {
		return true
	}
	return false
}

// hasFreshInput reports whether any satisfied upstream source finished
// after the node's own last terminal transition.
func (c *Checker) hasFreshInput(d *diagram.Diagram, hist History, node *diagram.Node) bool {
	own := hist.LastTerminalSeq(node.ID)
	for _, a := range d.Incoming(node.ID) {
		if !c.arrowSatisfied(d, hist, a) {
			continue
		}
		if hist.LastTerminalSeq(a.Source) > own {
			return true
		}
	}
	return false
}

// promptVariablesSatisfied checks that every template variable a
// person_job prompt references will be supplied at dispatch: by an
// incoming arrow's input key, a diagram variable or a variable in the
// execution scope. The scope matters for caller-supplied variables
// that never appear in the diagram itself.
func (c *Checker) promptVariablesSatisfied(d *diagram.Diagram, vars map[string]any, node *diagram.Node) bool {
	prompt := node.ConfigString("prompt", "")
	if first := node.ConfigString("first_prompt", ""); first != "" {
		prompt += "\n" + first
	}

	refs := resolver.ExtractVariables(prompt)
	if len(refs) == 0 {
		return true
	}

	supplied := make(map[string]bool)
	for k := range d.Variables {
		supplied[k] = true
	}
	for k := range vars {
		supplied[k] = true
	}
	for _, a := range d.Incoming(node.ID) {
		supplied[a.InputKey()] = true
	}

	for _, v := range refs {
		if !supplied[v] {
			return false
		}
	}
	return true
}
