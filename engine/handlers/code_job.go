package handlers

import (
	"context"
	"fmt"
	"os"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
)

// CodeJob delegates to the CodeRunner service port. The node config
// carries the language and either inline code or a code_path read at
// pre-execute time.
type CodeJob struct {
	handler.Base
}

func (CodeJob) Kind() diagram.Kind { return diagram.KindCodeJob }

func (CodeJob) Validate(req *handler.Request) error {
	if req.Node.ConfigString("code", "") == "" && req.Node.ConfigString("code_path", "") == "" {
		return &execution.ValidationError{
			Reason: fmt.Sprintf("code_job %s has neither code nor code_path", req.Node.ID),
		}
	}
	return nil
}

// PreExecute verifies the code file exists before dispatch so a bad
// path surfaces as a setup failure, not a handler bug.
func (CodeJob) PreExecute(_ context.Context, req *handler.Request) (*envelope.Envelope, error) {
	path := req.Node.ConfigString("code_path", "")
	if path == "" || req.Node.ConfigString("code", "") != "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("code file %s: %w", path, err)
	}
	return nil, nil
}

func (h CodeJob) Run(ctx context.Context, req *handler.Request) (any, error) {
	runner, ok := req.Ctx.CodeRunner()
	if !ok {
		return nil, fmt.Errorf("no code_runner service registered for code_job %s", req.Node.ID)
	}

	language := req.Node.ConfigString("language", "python")
	code := req.Node.ConfigString("code", "")
	if code == "" {
		data, err := os.ReadFile(req.Node.ConfigString("code_path", ""))
		if err != nil {
			return nil, fmt.Errorf("read code file: %w", err)
		}
		code = string(data)
	}

	result, err := runner.RunCode(ctx, language, code, req.InputValues())
	if err != nil {
		return nil, fmt.Errorf("run %s code: %w", language, err)
	}
	return result, nil
}
