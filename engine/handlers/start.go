// Package handlers holds the built-in node implementations: start,
// condition, person_job, code_job, endpoint and sub_diagram. External
// collaborators (LLMs, code runners, file sinks, diagram loaders) are
// reached through the execution context's service ports.
package handlers

import (
	"context"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/handler"
)

// Start is the diagram entry node. It emits its configured payload, or
// the execution variables when none is set, and runs exactly once.
type Start struct {
	handler.Base
}

func (Start) Kind() diagram.Kind { return diagram.KindStart }

func (Start) Run(_ context.Context, req *handler.Request) (any, error) {
	if payload, ok := req.Node.Config["payload"]; ok {
		return payload, nil
	}
	return req.Ctx.Variables(), nil
}
