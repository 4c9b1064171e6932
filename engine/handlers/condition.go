package handlers

import (
	"context"
	"fmt"

	"github.com/flowmesh/diaflow/engine/condition"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
)

// Condition evaluates a boolean and records the selected branch, which
// gates downstream readiness and input resolution. Condition nodes are
// never reset by the cascade; they re-run when fresh input arrives.
type Condition struct {
	handler.Base
	eval *condition.Evaluator
}

// NewCondition builds the handler around a shared evaluator so the
// CEL program cache spans executions.
func NewCondition(eval *condition.Evaluator) *Condition {
	if eval == nil {
		eval = condition.NewEvaluator()
	}
	return &Condition{eval: eval}
}

func (*Condition) Kind() diagram.Kind { return diagram.KindCondition }

func (*Condition) Validate(req *handler.Request) error {
	switch req.Node.ConfigString("condition_type", condition.TypeCustom) {
	case condition.TypeCustom:
		if req.Node.ConfigString("expression", "") == "" {
			return &execution.ValidationError{
				Reason: fmt.Sprintf("condition %s has no expression", req.Node.ID),
			}
		}
	case condition.TypeDetectMaxIter:
	default:
		return &execution.ValidationError{
			Reason: fmt.Sprintf("condition %s has unknown type %q", req.Node.ID, req.Node.Config["condition_type"]),
		}
	}
	return nil
}

func (h *Condition) Run(_ context.Context, req *handler.Request) (any, error) {
	var (
		result bool
		err    error
	)
	switch req.Node.ConfigString("condition_type", condition.TypeCustom) {
	case condition.TypeDetectMaxIter:
		result = condition.DetectMaxIterations(req.Ctx.Diagram, nodeStatuses{req})
	default:
		expr := req.Node.ConfigString("expression", "")
		result, err = h.eval.Evaluate(expr, req.InputValues(), req.Ctx.Variables())
		if err != nil {
			return nil, err
		}
	}

	branch := diagram.PortCondFalse
	if result {
		branch = diagram.PortCondTrue
	}
	out := envelope.NewJSON(string(req.Node.ID), result).
		WithTrace(string(req.Ctx.ExecutionID)).
		WithMeta(envelope.MetaBranch, branch)
	return out, nil
}

// nodeStatuses adapts the request context to the probe's history view.
type nodeStatuses struct{ req *handler.Request }

func (s nodeStatuses) Status(node diagram.NodeID) execution.NodeStatus {
	return s.req.Ctx.NodeState(node).Status
}
