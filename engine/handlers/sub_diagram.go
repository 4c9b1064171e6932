package handlers

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
)

// SubDiagram runs a child diagram as one node of the parent. The child
// comes from inline diagram_data, which wins over diagram_name looked
// up through the DiagramLoader port. Batch mode fans the child out
// over a list input with a bounded degree of parallelism.
type SubDiagram struct {
	handler.Base
}

func (SubDiagram) Kind() diagram.Kind { return diagram.KindSubDiagram }

func (SubDiagram) Validate(req *handler.Request) error {
	if req.Node.ConfigMap("diagram_data") == nil && req.Node.ConfigString("diagram_name", "") == "" {
		return &execution.ValidationError{
			Reason: fmt.Sprintf("sub_diagram %s has neither diagram_data nor diagram_name", req.Node.ID),
		}
	}
	return nil
}

func (h SubDiagram) Run(ctx context.Context, req *handler.Request) (any, error) {
	child, err := h.loadChild(ctx, req)
	if err != nil {
		return nil, err
	}

	overrides := req.Node.ConfigMap("variables")

	if req.Node.ConfigBool("batch", false) {
		return h.runBatch(ctx, req, child, overrides)
	}

	sub, err := req.Ctx.CreateSubContainer(child, overrides)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("sub_diagram %s: no sub-execution runner available", req.Node.ID)
	}

	state, err := sub.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("child execution of %s: %w", child.Name, err)
	}
	return childResult(state), nil
}

// loadChild resolves the child diagram. Inline data takes precedence;
// the loader port is consulted only for named diagrams.
func (SubDiagram) loadChild(ctx context.Context, req *handler.Request) (*diagram.Diagram, error) {
	if data := req.Node.ConfigMap("diagram_data"); data != nil {
		child, err := diagram.ParseMap(data)
		if err != nil {
			return nil, fmt.Errorf("inline diagram of %s: %w", req.Node.ID, err)
		}
		return child, nil
	}

	name := req.Node.ConfigString("diagram_name", "")
	loader, ok := req.Ctx.DiagramLoader()
	if !ok {
		return nil, fmt.Errorf("sub_diagram %s names %q but no diagram_loader service is registered", req.Node.ID, name)
	}
	child, err := loader.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load diagram %q: %w", name, err)
	}
	return child, nil
}

// runBatch executes the child once per item of the default list input.
// Results keep the item order regardless of completion order.
func (h SubDiagram) runBatch(ctx context.Context, req *handler.Request, child *diagram.Diagram, overrides map[string]any) (any, error) {
	env, ok := req.DefaultInput()
	if !ok {
		return nil, fmt.Errorf("batch sub_diagram %s has no default input", req.Node.ID)
	}
	body, err := env.JSON()
	if err != nil {
		return nil, fmt.Errorf("batch sub_diagram %s: %w", req.Node.ID, err)
	}
	items, ok := body.([]any)
	if !ok {
		return nil, fmt.Errorf("batch sub_diagram %s: default input is %T, want a list", req.Node.ID, body)
	}

	itemKey := req.Node.ConfigString("batch_input_key", "item")
	parallel := req.Node.ConfigInt("parallel", 1)
	if parallel < 1 {
		parallel = 1
	}

	results := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, item := range items {
		g.Go(func() error {
			vars := make(map[string]any, len(overrides)+1)
			for k, v := range overrides {
				vars[k] = v
			}
			vars[itemKey] = item

			sub, err := req.Ctx.CreateSubContainer(child, vars)
			if err != nil {
				return err
			}
			if sub == nil {
				return fmt.Errorf("sub_diagram %s: no sub-execution runner available", req.Node.ID)
			}
			state, err := sub.Run(gctx)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			results[i] = childResult(state)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// childResult projects a finished child execution into the parent's
// data plane: the endpoint outputs when present, plus status and ids
// for observability.
func childResult(state *execution.State) map[string]any {
	outputs := make(map[string]any)
	for nodeID, env := range state.NodeOutputs {
		outputs[string(nodeID)] = env.Body()
	}

	return map[string]any{
		"execution_id": string(state.ID),
		"status":       string(state.Status),
		"outputs":      outputs,
		"token_usage":  state.TokenUsage.Total,
	}
}
