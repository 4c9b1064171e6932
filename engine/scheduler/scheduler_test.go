package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
	"github.com/flowmesh/diaflow/engine/handlers"
	"github.com/flowmesh/diaflow/engine/scheduler"
	"github.com/flowmesh/diaflow/engine/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrent:     4,
		ReadyPollInterval: 5 * time.Millisecond,
		CancelGracePeriod: time.Second,
		NodeTimeout:       5 * time.Second,
		MaxSteps:          500,
		FailFast:          true,
	}
}

type fixture struct {
	engine *scheduler.Engine
	store  *state.Store
	bus    *eventbus.Bus
}

func newFixture(t *testing.T, cfg config.EngineConfig, extra ...handler.Handler) *fixture {
	t.Helper()
	log := logger.New("error", "text")
	counters := &telemetry.Counters{}
	store := state.New(state.NewMemoryBackend(), 32, time.Minute, log, counters)
	t.Cleanup(func() { _ = store.Close() })

	reg := handler.NewRegistry()
	handlers.RegisterBuiltins(reg, nil)
	for _, h := range extra {
		reg.MustRegister(h)
	}

	bus := eventbus.New(counters)
	t.Cleanup(bus.Close)

	return &fixture{
		engine: scheduler.New(store, reg, bus, nil, log, counters, cfg),
		store:  store,
		bus:    bus,
	}
}

// quick is a test handler that returns immediately.
type quick struct {
	handler.Base
	kind diagram.Kind
	runs atomic.Int32
}

func (q *quick) Kind() diagram.Kind { return q.kind }

func (q *quick) Run(context.Context, *handler.Request) (any, error) {
	q.runs.Add(1)
	return "ok", nil
}

// slow sleeps for its delay unless cancelled first.
type slow struct {
	handler.Base
	delay time.Duration
}

func (slow) Kind() diagram.Kind { return "slow" }

func (s *slow) Run(ctx context.Context, _ *handler.Request) (any, error) {
	select {
	case <-time.After(s.delay):
		return "slept", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// boom always fails.
type boom struct {
	handler.Base
}

func (boom) Kind() diagram.Kind { return "boom" }

func (boom) Run(context.Context, *handler.Request) (any, error) {
	return nil, errors.New("deliberate failure")
}

// gate blocks on ctx until opened, then returns immediately.
type gate struct {
	handler.Base
	open atomic.Bool
	runs atomic.Int32
}

func (*gate) Kind() diagram.Kind { return "gate" }

func (g *gate) Run(ctx context.Context, _ *handler.Request) (any, error) {
	g.runs.Add(1)
	if g.open.Load() {
		return "through", nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func mustDiagram(t *testing.T, nodes []*diagram.Node, arrows []*diagram.Arrow, vars map[string]any) *diagram.Diagram {
	t.Helper()
	d, err := diagram.New("d", "test", nodes, arrows, vars)
	require.NoError(t, err)
	return d
}

func TestLinearDiagramCompletes(t *testing.T) {
	f := newFixture(t, testConfig())
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart, Config: map[string]any{"payload": "go"}},
		{ID: "e", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{{Source: "s", Target: "e"}}, nil)

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, []diagram.NodeID{"s", "e"}, final.ExecutedNodes)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["s"].Status)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["e"].Status)
	assert.Equal(t, 1, final.NodeStates["s"].ExecCount)
	assert.Equal(t, 1, final.NodeStates["e"].ExecCount)

	// The endpoint passed the start payload through.
	out := final.NodeOutputs["e"]
	require.NotNil(t, out)
	text, terr := out.Text()
	require.NoError(t, terr)
	assert.Equal(t, "go", text)

	// The terminal state is durably readable after the run.
	persisted, err := f.store.GetState(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, persisted.Status)
}

func TestConditionFanOutSkipsSibling(t *testing.T) {
	f := newFixture(t, testConfig())
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "c", Kind: diagram.KindCondition, Config: map[string]any{
			"expression": `vars.pick == "left"`,
		}},
		{ID: "left", Kind: diagram.KindEndpoint},
		{ID: "right", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "c"},
		{Source: "c", SourcePort: diagram.PortCondTrue, Target: "left"},
		{Source: "c", SourcePort: diagram.PortCondFalse, Target: "right"},
	}, map[string]any{"pick": "left"})

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["left"].Status)
	assert.Equal(t, execution.NodeSkipped, final.NodeStates["right"].Status)
	assert.Equal(t, 0, final.NodeStates["right"].ExecCount)
}

func TestPersonJobLoopExitsOnDetectMaxIterations(t *testing.T) {
	f := newFixture(t, testConfig())
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart, Config: map[string]any{"payload": "seed"}},
		{ID: "p", Kind: diagram.KindPersonJob, Config: map[string]any{
			"prompt":        "iterate",
			"max_iteration": 3,
		}},
		{ID: "c", Kind: diagram.KindCondition, Config: map[string]any{
			"condition_type": "detect_max_iterations",
		}},
		{ID: "e", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "p", TargetPort: diagram.PortFirst},
		{Source: "p", Target: "c"},
		{Source: "c", SourcePort: diagram.PortCondFalse, Target: "p"},
		{Source: "c", SourcePort: diagram.PortCondTrue, Target: "e"},
	}, nil)

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)

	// The job ran its three iterations and was then stopped by the
	// budget guard, not left COMPLETED.
	assert.Equal(t, execution.NodeMaxIterations, final.NodeStates["p"].Status)
	assert.Equal(t, 3, final.NodeStates["p"].ExecCount)

	// The probe flipped true only after the guard fired; the exit
	// branch ran exactly once.
	branch, _ := final.NodeOutputs["c"].MetaValue("branch")
	assert.Equal(t, diagram.PortCondTrue, branch)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["e"].Status)
	assert.Equal(t, 1, final.NodeStates["e"].ExecCount)
}

func TestPersonJobBudgetGuardMarksMaxIter(t *testing.T) {
	f := newFixture(t, testConfig())
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "p", Kind: diagram.KindPersonJob, Config: map[string]any{
			"prompt":        "iterate",
			"max_iteration": 2,
		}},
		{ID: "c", Kind: diagram.KindCondition, Config: map[string]any{
			"expression": "false",
		}},
		{ID: "e", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "p", TargetPort: diagram.PortFirst},
		{Source: "p", Target: "c"},
		{Source: "c", SourcePort: diagram.PortCondFalse, Target: "p"},
		{Source: "c", SourcePort: diagram.PortCondTrue, Target: "e"},
	}, nil)

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.NoError(t, err)

	// The condition never exits the loop, so the guard stops the
	// person_job at its budget without opening another record.
	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, execution.NodeMaxIterations, final.NodeStates["p"].Status)
	assert.Equal(t, 2, final.NodeStates["p"].ExecCount)
	assert.Equal(t, execution.NodeSkipped, final.NodeStates["e"].Status)
}

func TestCallerVariablesUnblockPromptGate(t *testing.T) {
	f := newFixture(t, testConfig())

	// "name" comes from neither the diagram nor an arrow; only the
	// caller supplies it.
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "p", Kind: diagram.KindPersonJob, Config: map[string]any{
			"prompt": "brief {{name}}",
		}},
	}, []*diagram.Arrow{
		{Source: "s", Target: "p", TargetPort: diagram.PortFirst},
	}, nil)

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{
		Variables: map[string]any{"name": "ada"},
	})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["p"].Status)

	text, terr := final.NodeOutputs["p"].Text()
	require.NoError(t, terr)
	assert.Equal(t, "brief ada", text)
}

func TestExecutionStatusRunningWhileInFlight(t *testing.T) {
	g := &gate{}
	f := newFixture(t, testConfig(), g)
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "b", Kind: "gate"},
	}, []*diagram.Arrow{{Source: "s", Target: "b"}}, nil)

	sub := f.bus.Subscribe("", 64)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan *execution.State, 1)
	go func() {
		final, _ := f.engine.Run(ctx, d, scheduler.Options{})
		result <- final
	}()

	var execID execution.ID
	select {
	case ev := <-sub.C:
		require.Equal(t, eventbus.ExecutionStarted, ev.Type)
		execID = ev.ExecutionID
	case <-time.After(time.Second):
		t.Fatal("no execution_started event")
	}

	// While the gate blocks, readers see the execution as RUNNING, not
	// stuck at PENDING.
	require.Eventually(t, func() bool {
		st, err := f.store.GetState(context.Background(), execID)
		return err == nil && st.Status == execution.StatusRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	final := <-result
	require.NotNil(t, final)
	assert.Equal(t, execution.StatusAborted, final.Status)
}

func TestFailFastCancelsPeersAndSkipsDownstream(t *testing.T) {
	sl := &slow{delay: 2 * time.Second}
	f := newFixture(t, testConfig(), sl, boom{})
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "bad", Kind: "boom"},
		{ID: "peer", Kind: "slow"},
		{ID: "after", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "bad"},
		{Source: "s", Target: "peer"},
		{Source: "bad", Target: "after"},
	}, nil)

	start := time.Now()
	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.Error(t, err)

	assert.Equal(t, execution.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "deliberate failure")
	assert.Equal(t, execution.NodeFailed, final.NodeStates["bad"].Status)
	assert.Equal(t, execution.NodeSkipped, final.NodeStates["after"].Status)

	// The slow peer was cancelled, not waited out.
	assert.NotEqual(t, execution.NodeCompleted, final.NodeStates["peer"].Status)
	assert.Less(t, time.Since(start), sl.delay)
}

func TestParallelDispatchBoundedBySemaphore(t *testing.T) {
	const (
		workers = 4
		delay   = 100 * time.Millisecond
	)
	cfg := testConfig()
	cfg.MaxConcurrent = 2

	f := newFixture(t, cfg, &slow{delay: delay})

	nodes := []*diagram.Node{{ID: "s", Kind: diagram.KindStart}}
	var arrows []*diagram.Arrow
	for _, id := range []diagram.NodeID{"w1", "w2", "w3", "w4"} {
		nodes = append(nodes, &diagram.Node{ID: id, Kind: "slow"})
		arrows = append(arrows, &diagram.Arrow{Source: "s", Target: id})
	}
	d := mustDiagram(t, nodes, arrows, nil)

	start := time.Now()
	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Len(t, final.ExecutedNodes, workers+1)

	// Four 100ms nodes on two slots need at least two batches.
	assert.GreaterOrEqual(t, elapsed, 2*delay)
	assert.Less(t, elapsed, 10*delay)
}

func TestResumeContinuesWhereCancelled(t *testing.T) {
	g := &gate{}
	q := &quick{kind: "quick"}
	f := newFixture(t, testConfig(), g, q)

	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "a", Kind: "quick"},
		{ID: "b", Kind: "gate"},
		{ID: "e", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "a"},
		{Source: "a", Target: "b"},
		{Source: "b", Target: "e"},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Give s and a time to finish, then pull the plug while b blocks.
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	aborted, err := f.engine.Run(ctx, d, scheduler.Options{})
	require.Error(t, err)
	var cerr *execution.CancellationError
	require.ErrorAs(t, err, &cerr)

	assert.Equal(t, execution.StatusAborted, aborted.Status)
	assert.Equal(t, execution.NodeCompleted, aborted.NodeStates["s"].Status)
	assert.Equal(t, execution.NodeCompleted, aborted.NodeStates["a"].Status)
	assert.Equal(t, int32(1), g.runs.Load())

	// The abort is annotated and names the interrupted node, which stays
	// RUNNING so resume can rewind it.
	assert.Equal(t, true, aborted.Metadata[state.MetaAborted])
	assert.Equal(t, []string{"b"}, aborted.Metadata[state.MetaAbortedNodes])
	assert.Equal(t, execution.NodeRunning, aborted.NodeStates["b"].Status)

	// Resume: completed nodes must not re-run or re-emit events.
	sub := f.bus.Subscribe("", 128)
	defer sub.Close()

	g.open.Store(true)
	final, err := f.engine.Run(context.Background(), d, scheduler.Options{Resume: aborted.ID})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, final.ID, aborted.ID)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["b"].Status)
	assert.Equal(t, execution.NodeCompleted, final.NodeStates["e"].Status)
	assert.Equal(t, int32(1), q.runs.Load())
	assert.Equal(t, int32(2), g.runs.Load())

	// A clean finish sheds the abort markers.
	assert.NotContains(t, final.Metadata, state.MetaAborted)
	assert.NotContains(t, final.Metadata, state.MetaAbortedNodes)

	f.bus.Close()
	for ev := range sub.C {
		if ev.Type == eventbus.NodeStarted {
			assert.NotContains(t, []diagram.NodeID{"s", "a"}, ev.NodeID,
				"completed node re-dispatched on resume")
		}
	}
}

func TestMaxStepsValveStopsRunawayLoop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 50

	q := &quick{kind: "spin"}
	f := newFixture(t, cfg, q)

	// A loop over a plain node has no iteration budget; only the step
	// valve ends it.
	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "q", Kind: "spin"},
		{ID: "c", Kind: diagram.KindCondition, Config: map[string]any{"expression": "false"}},
		{ID: "e", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "q"},
		{Source: "q", Target: "c"},
		{Source: "c", SourcePort: diagram.PortCondFalse, Target: "q"},
		{Source: "c", SourcePort: diagram.PortCondTrue, Target: "e"},
	}, nil)

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.Error(t, err)

	assert.Equal(t, execution.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "dispatches")
}

func TestEmptyDiagramRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	d := mustDiagram(t, nil, nil, nil)

	_, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	var verr *execution.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSubDiagramRunsThroughParentEngine(t *testing.T) {
	f := newFixture(t, testConfig())

	child := map[string]any{
		"id":   "child",
		"name": "child",
		"nodes": []any{
			map[string]any{"id": "cs", "type": "start", "config": map[string]any{"payload": "inner"}},
			map[string]any{"id": "ce", "type": "endpoint"},
		},
		"arrows": []any{map[string]any{"source": "cs", "target": "ce"}},
	}

	d := mustDiagram(t, []*diagram.Node{
		{ID: "s", Kind: diagram.KindStart},
		{ID: "sub", Kind: diagram.KindSubDiagram, Config: map[string]any{"diagram_data": child}},
		{ID: "e", Kind: diagram.KindEndpoint},
	}, []*diagram.Arrow{
		{Source: "s", Target: "sub"},
		{Source: "sub", Target: "e"},
	}, nil)

	final, err := f.engine.Run(context.Background(), d, scheduler.Options{})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)

	body, berr := final.NodeOutputs["sub"].JSON()
	require.NoError(t, berr)
	result := body.(map[string]any)
	assert.Equal(t, "COMPLETED", result["status"])
	outputs := result["outputs"].(map[string]any)
	assert.Equal(t, "inner", outputs["ce"])
}
