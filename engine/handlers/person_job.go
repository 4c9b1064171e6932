package handlers

import (
	"context"
	"fmt"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
	"github.com/flowmesh/diaflow/engine/resolver"
)

// PersonJob drives the loop semantics of the engine: it renders a
// prompt template against its inputs and the execution variables,
// talks to the Conversationalist port when one is registered and
// threads the conversation state through iterations. Without an LLM
// port it yields the rendered prompt, which keeps diagrams executable
// in tests and dry runs.
type PersonJob struct {
	handler.Base
}

func (PersonJob) Kind() diagram.Kind { return diagram.KindPersonJob }

func (PersonJob) Validate(req *handler.Request) error {
	if req.Node.ConfigString("prompt", "") == "" && req.Node.ConfigString("first_prompt", "") == "" {
		return &execution.ValidationError{
			Reason: fmt.Sprintf("person_job %s has neither prompt nor first_prompt", req.Node.ID),
		}
	}
	if req.Node.ConfigInt("max_iteration", 1) < 1 {
		return &execution.ValidationError{
			Reason: fmt.Sprintf("person_job %s has max_iteration < 1", req.Node.ID),
		}
	}
	return nil
}

func (PersonJob) Run(ctx context.Context, req *handler.Request) (any, error) {
	prompt := req.Node.ConfigString("prompt", "")
	if req.Iteration == 1 {
		if first := req.Node.ConfigString("first_prompt", ""); first != "" {
			prompt = first
		}
	}

	rendered := resolver.Render(prompt, resolver.Scope(req.Inputs, req.Ctx.Variables()))

	dialogue := incomingDialogue(req)
	dialogue = dialogue.Append("user", rendered)

	port, ok := req.Ctx.Conversationalist()
	if !ok {
		// No LLM wired: echo the rendered prompt as this turn's result.
		out := envelope.NewText(string(req.Node.ID), rendered).
			WithTrace(string(req.Ctx.ExecutionID)).
			WithMeta(envelope.MetaIteration, req.Iteration)
		return out, nil
	}

	reply, usage, err := port.Converse(ctx, rendered, dialogue)
	if err != nil {
		return nil, fmt.Errorf("conversation turn %d: %w", req.Iteration, err)
	}
	req.Usage = usage

	dialogue = dialogue.Append("assistant", reply)
	out := envelope.NewConversation(string(req.Node.ID), dialogue).
		WithTrace(string(req.Ctx.ExecutionID)).
		WithMeta(envelope.MetaIteration, req.Iteration).
		WithRepresentation("text", reply)
	return out, nil
}

// incomingDialogue picks up the conversation chain from any
// conversation_state input, starting fresh when none arrived.
func incomingDialogue(req *handler.Request) *envelope.Dialogue {
	for _, env := range req.Inputs {
		if env.ContentType() == envelope.Conversation {
			if d, err := env.Conversation(); err == nil {
				return d
			}
		}
	}
	return &envelope.Dialogue{}
}
