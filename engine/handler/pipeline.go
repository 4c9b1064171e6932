package handler

import (
	"context"
	"errors"

	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Execute drives one dispatch through the handler phases. On success
// it returns the outgoing envelope and a nil error. On failure it
// returns a non-nil error plus the error envelope to store as the
// node's last output, either the handler's own OnError mapping or the
// default one.
func Execute(ctx context.Context, h Handler, req *Request) (*envelope.Envelope, error) {
	if err := h.Validate(req); err != nil {
		var verr *execution.ValidationError
		if !errors.As(err, &verr) {
			err = &execution.ValidationError{Reason: err.Error()}
		}
		return fail(ctx, h, req, err)
	}

	short, err := h.PreExecute(ctx, req)
	if err != nil {
		return fail(ctx, h, req, &execution.SetupError{Stage: "pre_execute", Err: err})
	}
	if short != nil {
		return short, nil
	}

	if err := h.Prepare(ctx, req); err != nil {
		return fail(ctx, h, req, &execution.SetupError{Stage: "prepare", Err: err})
	}

	result, err := run(ctx, h, req)
	if err != nil {
		return fail(ctx, h, req, err)
	}

	out, ok := result.(*envelope.Envelope)
	if !ok {
		out = h.SerializeOutput(result, req)
	}

	out, err = h.PostExecute(ctx, req, out)
	if err != nil {
		return fail(ctx, h, req, &execution.HandlerError{Node: req.Node.ID, Err: err})
	}
	return out, nil
}

// run invokes the handler body under the node's timeout. The body runs
// in its own goroutine so a handler ignoring ctx cannot wedge the
// worker; it is expected to observe ctx and stop soon after a timeout.
func run(ctx context.Context, h Handler, req *Request) (any, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.Run(runCtx, req)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, classify(runCtx, req, o.err)
		}
		return o.result, nil
	case <-runCtx.Done():
		return nil, classify(runCtx, req, runCtx.Err())
	}
}

// classify turns raw failures into the typed taxonomy.
func classify(ctx context.Context, req *Request, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && req.Timeout > 0 && ctx.Err() == context.DeadlineExceeded:
		return &execution.TimeoutError{Node: req.Node.ID, Limit: req.Timeout}
	case errors.Is(err, context.Canceled):
		return &execution.CancellationError{ExecutionID: req.Ctx.ExecutionID}
	}

	var (
		handlerErr *execution.HandlerError
		timeoutErr *execution.TimeoutError
		setupErr   *execution.SetupError
		valErr     *execution.ValidationError
		inputErr   *execution.InputResolutionError
	)
	if errors.As(err, &handlerErr) || errors.As(err, &timeoutErr) ||
		errors.As(err, &setupErr) || errors.As(err, &valErr) || errors.As(err, &inputErr) {
		return err
	}
	return &execution.HandlerError{Node: req.Node.ID, Err: err}
}

// fail builds the error envelope for a failed dispatch, preferring the
// handler's own mapping.
func fail(ctx context.Context, h Handler, req *Request, cause error) (*envelope.Envelope, error) {
	if custom, handled := h.OnError(ctx, req, cause); handled && custom != nil {
		return custom, cause
	}

	env := envelope.NewError(string(req.Node.ID), cause.Error(), execution.ErrorType(cause)).
		WithTrace(string(req.Ctx.ExecutionID))
	var cancelErr *execution.CancellationError
	if errors.As(cause, &cancelErr) {
		env = env.WithMeta(envelope.MetaCancelled, true)
	}
	return env, cause
}
