package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/handler"
)

// Endpoint collects its inputs as the execution result. With
// save_to_file set, the collected result is also written through the
// FileSink port. Endpoint nodes run once and are never reset.
type Endpoint struct {
	handler.Base
}

func (Endpoint) Kind() diagram.Kind { return diagram.KindEndpoint }

func (Endpoint) Run(ctx context.Context, req *handler.Request) (any, error) {
	var result any
	if len(req.Inputs) == 1 {
		for _, env := range req.Inputs {
			result = env
		}
	} else {
		result = req.InputValues()
	}

	if req.Node.ConfigBool("save_to_file", false) {
		if err := save(ctx, req, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func save(ctx context.Context, req *handler.Request, result any) error {
	sink, ok := req.Ctx.FileSink()
	if !ok {
		return fmt.Errorf("endpoint %s has save_to_file but no file_sink service", req.Node.ID)
	}

	path := req.Node.ConfigString("file_path", fmt.Sprintf("%s-%s.json", req.Ctx.ExecutionID, req.Node.ID))

	var data []byte
	var err error
	if env, ok := result.(*envelope.Envelope); ok {
		data, err = json.Marshal(env)
	} else {
		data, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("encode endpoint result: %w", err)
	}

	if err := sink.Save(ctx, path, data); err != nil {
		return fmt.Errorf("save endpoint result to %s: %w", path, err)
	}
	return nil
}
