// Package scheduler runs diagrams: it evaluates readiness, dispatches
// node handlers on a bounded worker pool, applies transitions through
// the flow controller and drives each execution to a terminal status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execctx"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
	"github.com/flowmesh/diaflow/engine/readiness"
	"github.com/flowmesh/diaflow/engine/resolver"
	"github.com/flowmesh/diaflow/engine/state"
	"github.com/flowmesh/diaflow/engine/tracker"
	"github.com/flowmesh/diaflow/engine/transition"
)

// Options tunes one Run call.
type Options struct {
	// Variables seed the execution scope, merged over diagram defaults.
	Variables map[string]any

	// Resume continues a persisted execution instead of starting fresh.
	// COMPLETED nodes keep their outputs and do not re-run.
	Resume execution.ID
}

// Engine executes diagrams against a shared store, handler registry and
// event bus. Safe for concurrent Run calls; every execution gets its
// own tracker and flow controller.
type Engine struct {
	store    *state.Store
	registry *handler.Registry
	bus      *eventbus.Bus
	services *execctx.ServiceRegistry
	log      *logger.Logger
	counters *telemetry.Counters
	cfg      config.EngineConfig

	res   *resolver.Resolver
	check *readiness.Checker
}

// New assembles an engine. services and counters may be nil.
func New(store *state.Store, registry *handler.Registry, bus *eventbus.Bus, services *execctx.ServiceRegistry, log *logger.Logger, counters *telemetry.Counters, cfg config.EngineConfig) *Engine {
	if counters == nil {
		counters = &telemetry.Counters{}
	}
	if services == nil {
		services = execctx.NewServiceRegistry()
	}
	services.Seal()
	return &Engine{
		store:    store,
		registry: registry,
		bus:      bus,
		services: services,
		log:      log,
		counters: counters,
		cfg:      cfg,
		res:      resolver.New(log),
		check:    readiness.New(),
	}
}

// RunChild executes a child diagram for a sub_diagram node. The child
// inherits the engine's services but runs under its own execution ID
// with an isolated tracker and state.
func (e *Engine) RunChild(ctx context.Context, d *diagram.Diagram, variables map[string]any) (*execution.State, error) {
	return e.Run(ctx, d, Options{Variables: variables})
}

// dispatchResult is one worker's outcome, delivered to the run loop.
type dispatchResult struct {
	node *diagram.Node
	err  error
}

// run bundles the per-execution moving parts.
type run struct {
	execID execution.ID
	d      *diagram.Diagram
	tr     *tracker.Tracker
	flow   *transition.Controller
	ec     *execctx.Context
	log    *logger.Logger

	resumed  bool
	started  time.Time
	steps    int
	inflight int
	done     chan dispatchResult
}

// Run executes the diagram to a terminal status and returns the final
// state. The returned error is non-nil only for setup failures and
// engine-level aborts; node failures surface in the state's Status and
// Error fields.
func (e *Engine) Run(ctx context.Context, d *diagram.Diagram, opts Options) (*execution.State, error) {
	r, err := e.setup(ctx, d, opts)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancelRun context.CancelFunc
	if e.cfg.ExecutionTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	e.counters.ExecutionsStarted.Add(1)
	e.bus.Publish(eventbus.Event{
		Type:        eventbus.ExecutionStarted,
		ExecutionID: r.execID,
		Data: map[string]any{
			"diagram_id": string(d.ID),
			"diagram":    d.Name,
			"node_count": d.Len(),
			"resumed":    r.resumed,
		},
	})

	status, runErr := e.loop(runCtx, cancelRun, r)
	return e.finish(ctx, r, status, runErr)
}

// setup prepares tracker, flow controller and execution context, either
// fresh or seeded from a persisted state for resume.
func (e *Engine) setup(ctx context.Context, d *diagram.Diagram, opts Options) (*run, error) {
	if d.Len() == 0 {
		return nil, &execution.ValidationError{Reason: "diagram has no nodes"}
	}

	vars := make(map[string]any, len(d.Variables)+len(opts.Variables))
	for k, v := range d.Variables {
		vars[k] = v
	}

	execID := opts.Resume
	tr := tracker.New(execID)
	resumed := false

	if opts.Resume != "" {
		prior, err := e.store.GetState(ctx, opts.Resume)
		if err != nil {
			return nil, &execution.SetupError{Stage: "resume", Err: err}
		}
		if prior.Status == execution.StatusCompleted {
			return nil, &execution.SetupError{
				Stage: "resume",
				Err:   fmt.Errorf("execution %s already completed", opts.Resume),
			}
		}
		tr.Seed(prior)
		for k, v := range prior.Variables {
			vars[k] = v
		}
		resumed = true
	} else {
		execID = execution.NewID()
		tr = tracker.New(execID)
	}

	for k, v := range opts.Variables {
		vars[k] = v
	}

	if !resumed {
		if _, err := e.store.CreateExecution(ctx, execID, d.ID, vars); err != nil {
			return nil, &execution.SetupError{Stage: "create", Err: err}
		}
	}
	if err := e.store.MarkRunning(ctx, execID); err != nil {
		return nil, &execution.SetupError{Stage: "start", Err: err}
	}

	log := e.log.WithExecutionID(string(execID))
	flow := transition.New(execID, d, tr, e.store, e.bus, log)
	ec := execctx.New(execID, d, tr, e.services, e.res, e.check, flow, e, vars)

	return &run{
		execID:  execID,
		d:       d,
		tr:      tr,
		flow:    flow,
		ec:      ec,
		log:     log,
		resumed: resumed,
		started: time.Now().UTC(),
		done:    make(chan dispatchResult, e.cfg.MaxConcurrent),
	}, nil
}

// loop is the dispatch cycle: compute the ready set, dispatch what the
// semaphore admits, then wait for a completion signal or the poll tick.
// It returns the terminal status and the error that forced it, if any.
func (e *Engine) loop(ctx context.Context, cancelRun context.CancelFunc, r *run) (execution.Status, error) {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	ticker := time.NewTicker(e.cfg.ReadyPollInterval)
	defer ticker.Stop()

	var firstErr error
	failing := false

	for {
		if ctx.Err() != nil && !failing {
			return e.abort(ctx, r)
		}

		progressed, dispatched, err := e.dispatchReady(ctx, sem, r, failing)
		if err != nil {
			// A transition bug; stop dispatching and fail hard.
			cancelRun()
			e.await(r, e.cfg.CancelGracePeriod)
			return execution.StatusFailed, err
		}

		if r.inflight == 0 {
			if failing {
				// Downstream of the failure can never become ready.
				e.drain(context.WithoutCancel(ctx), r)
				return execution.StatusFailed, firstErr
			}
			if !dispatched && !progressed {
				// Natural exit: nothing ready, nothing running.
				e.drain(ctx, r)
				return execution.StatusCompleted, nil
			}
			// State changed without a dispatch (budget stop, re-arm);
			// re-evaluate immediately.
			continue
		}

		select {
		case res := <-r.done:
			r.inflight--
			if res.err == nil {
				continue
			}

			var illegal *execution.InvalidTransitionError
			if errors.As(res.err, &illegal) {
				cancelRun()
				e.await(r, e.cfg.CancelGracePeriod)
				return execution.StatusFailed, res.err
			}

			var cancelled *execution.CancellationError
			if errors.As(res.err, &cancelled) && !failing {
				// The caller pulled the plug; the abort path handles it.
				continue
			}

			r.log.Warn("node failed",
				"node_id", res.node.ID,
				"error", res.err,
				"error_type", execution.ErrorType(res.err))

			if e.cfg.FailFast && !failing {
				failing = true
				firstErr = res.err
				cancelRun()
			}
			if firstErr == nil {
				firstErr = res.err
			}

		case <-ticker.C:

		case <-ctx.Done():
			if failing {
				continue
			}
			return e.abort(ctx, r)
		}
	}
}

// dispatchReady walks the current ready set once. It applies the
// person_job budget guard and condition re-arming inline, then hands
// admitted nodes to workers. Returns whether any state changed without
// a dispatch, and how many workers started.
func (e *Engine) dispatchReady(ctx context.Context, sem *semaphore.Weighted, r *run, failing bool) (progressed bool, dispatched bool, err error) {
	if failing || ctx.Err() != nil {
		return false, false, nil
	}

	for _, id := range e.check.ReadyNodes(r.d, r.tr, r.ec.Variables()) {
		node, _ := r.d.Node(id)

		// Loop budget guard: a re-armed person_job that already spent its
		// iterations stops here, before any record opens.
		if node.Kind == diagram.KindPersonJob && r.tr.ExecCount(id) >= node.MaxIteration() {
			if terr := r.flow.ToMaxIter(ctx, node); terr != nil {
				return false, dispatched, terr
			}
			progressed = true
			continue
		}

		if r.steps >= e.cfg.MaxSteps {
			return false, dispatched, &execution.ValidationError{
				Reason: fmt.Sprintf("execution exceeded %d dispatches, diagram likely loops without a budget", e.cfg.MaxSteps),
			}
		}

		if !sem.TryAcquire(1) {
			break
		}

		// A completed condition re-runs on fresh input; rewind it so the
		// RUNNING transition is legal.
		if node.Kind == diagram.KindCondition && r.tr.Status(id) == execution.NodeCompleted {
			r.flow.Rearm(ctx, id)
		}

		iteration, terr := r.flow.ToRunning(ctx, node)
		if terr != nil {
			sem.Release(1)
			return progressed, dispatched, terr
		}

		r.steps++
		r.inflight++
		dispatched = true
		e.counters.NodesDispatched.Add(1)

		go func(node *diagram.Node, iteration int) {
			defer sem.Release(1)
			r.done <- dispatchResult{node: node, err: e.executeNode(ctx, r, node, iteration)}
		}(node, iteration)
	}
	return progressed, dispatched, nil
}

// executeNode runs one dispatch end to end: input resolution, the
// handler pipeline and the terminal transition.
func (e *Engine) executeNode(ctx context.Context, r *run, node *diagram.Node, iteration int) error {
	nodeCtx := r.ec.ForNode(node.ID)

	inputs, err := nodeCtx.ResolveInputs(node)
	if err != nil {
		out := envelope.NewError(string(node.ID), err.Error(), execution.ErrorType(err)).
			WithTrace(string(r.execID))
		if ferr := r.flow.ToFailed(ctx, node, err, out); ferr != nil {
			return ferr
		}
		return err
	}

	h, err := e.registry.Resolve(node.Kind)
	if err != nil {
		out := envelope.NewError(string(node.ID), err.Error(), execution.ErrorType(err)).
			WithTrace(string(r.execID))
		if ferr := r.flow.ToFailed(ctx, node, err, out); ferr != nil {
			return ferr
		}
		return err
	}

	timeout := node.Timeout()
	if timeout == 0 {
		timeout = e.cfg.NodeTimeout
	}

	req := &handler.Request{
		Ctx:       nodeCtx,
		Node:      node,
		Inputs:    inputs,
		Iteration: iteration,
		Timeout:   timeout,
	}

	out, err := handler.Execute(ctx, h, req)
	if err != nil {
		// A cancelled dispatch keeps its invocation open so the node
		// stays RUNNING in the persisted state; resume rewinds it to
		// PENDING and runs it again.
		var cancelled *execution.CancellationError
		if errors.As(err, &cancelled) {
			return err
		}
		if ferr := r.flow.ToFailed(ctx, node, err, out); ferr != nil {
			return ferr
		}
		return err
	}
	return r.flow.ToCompleted(ctx, node, out, req.Usage)
}

// abort handles caller cancellation: stop dispatching, give running
// nodes the grace period, then leave the execution ABORTED. Interrupted
// nodes stay RUNNING in the persisted state; resume rewinds them.
func (e *Engine) abort(ctx context.Context, r *run) (execution.Status, error) {
	r.log.Info("execution cancelled, waiting for running nodes",
		"inflight", r.inflight,
		"grace", e.cfg.CancelGracePeriod)
	e.await(r, e.cfg.CancelGracePeriod)
	return execution.StatusAborted, &execution.CancellationError{ExecutionID: r.execID}
}

// await drains worker results for at most grace. Workers left running
// afterwards are abandoned; their sends land in the buffered channel.
func (e *Engine) await(r *run, grace time.Duration) {
	if r.inflight == 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for r.inflight > 0 {
		select {
		case <-r.done:
			r.inflight--
		case <-timer.C:
			r.log.Warn("abandoning nodes still running after grace period", "count", r.inflight)
			return
		}
	}
}

// drain classifies every node still PENDING at natural exit as SKIPPED.
func (e *Engine) drain(ctx context.Context, r *run) {
	for _, id := range r.d.NodeOrder() {
		if r.tr.Status(id) != execution.NodePending {
			continue
		}
		node, _ := r.d.Node(id)
		if err := r.flow.ToSkipped(ctx, node); err != nil {
			r.log.Warn("skip pending node at drain", "node_id", id, "error", err)
		}
	}
}

// finish assembles the final state from the tracker, persists it and
// emits the closing event. It uses the caller's original context so a
// cancelled run still persists.
func (e *Engine) finish(ctx context.Context, r *run, status execution.Status, runErr error) (*execution.State, error) {
	final, err := e.store.GetState(context.WithoutCancel(ctx), r.execID)
	if err != nil {
		final = execution.NewState(r.execID, r.d.ID)
	}

	final.Status = status
	final.NodeStates = r.tr.Snapshot()
	final.ExecutedNodes = r.tr.ExecutedNodes()
	final.TokenUsage = r.tr.TotalUsage()
	final.Variables = r.ec.Variables()
	if final.NodeOutputs == nil {
		final.NodeOutputs = make(map[diagram.NodeID]*envelope.Envelope)
	}
	for _, id := range r.d.NodeOrder() {
		if out := r.tr.LastOutput(id); out != nil {
			final.NodeOutputs[id] = out
		}
	}
	if runErr != nil {
		final.Error = runErr.Error()
	}
	now := time.Now().UTC()
	final.EndedAt = &now

	if status == execution.StatusAborted {
		if final.Metadata == nil {
			final.Metadata = make(map[string]any)
		}
		final.Metadata[state.MetaAborted] = true
		var survivors []string
		for id, ns := range final.NodeStates {
			if ns.Status == execution.NodeRunning {
				survivors = append(survivors, string(id))
			}
		}
		if len(survivors) > 0 {
			sort.Strings(survivors)
			final.Metadata[state.MetaAbortedNodes] = survivors
		}
	} else if final.Metadata != nil {
		// A resumed run that reached a different terminal status sheds
		// the markers from its earlier abort.
		delete(final.Metadata, state.MetaAborted)
		delete(final.Metadata, state.MetaAbortedNodes)
	}

	if perr := e.store.PersistFinal(context.WithoutCancel(ctx), final); perr != nil {
		r.log.Error("persist final state", "error", perr)
	}

	e.bus.Publish(eventbus.Event{
		Type:        eventbus.ExecutionCompleted,
		ExecutionID: r.execID,
		Data: map[string]any{
			"status":      string(status),
			"error":       final.Error,
			"duration_ms": time.Since(r.started).Milliseconds(),
			"token_usage": final.TokenUsage.Total,
			"node_count":  len(final.ExecutedNodes),
		},
	})

	r.log.Info("execution finished",
		"status", status,
		"duration_ms", time.Since(r.started).Milliseconds(),
		"nodes_executed", len(final.ExecutedNodes))

	if status == execution.StatusCompleted {
		return final, nil
	}
	return final, runErr
}
