package tracker

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

func TestBeginComplete(t *testing.T) {
	tr := New(execution.NewID())

	n, err := tr.Begin("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, execution.NodeRunning, tr.Status("a"))
	assert.Equal(t, execution.FlowRunning, tr.FlowStatus("a"))

	out := envelope.NewText("a", "done")
	require.NoError(t, tr.Complete("a", execution.NodeCompleted, out, "", execution.TokenUsage{Input: 2, Output: 3, Total: 5}))

	assert.Equal(t, execution.NodeCompleted, tr.Status("a"))
	assert.Equal(t, execution.FlowWaiting, tr.FlowStatus("a"))
	assert.Equal(t, 1, tr.ExecCount("a"))
	assert.Same(t, out, tr.LastOutput("a"))
	assert.Equal(t, []diagram.NodeID{"a"}, tr.ExecutedNodes())
	assert.Equal(t, 5, tr.TotalUsage().Total)

	recs := tr.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].Seq)
	assert.Equal(t, 1, recs[0].Iteration)
	require.NotNil(t, recs[0].EndedAt)
}

func TestDoubleBeginRejected(t *testing.T) {
	tr := New(execution.NewID())
	_, err := tr.Begin("a")
	require.NoError(t, err)

	_, err = tr.Begin("a")
	var invalid *execution.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestCompleteWithoutBegin(t *testing.T) {
	tr := New(execution.NewID())
	err := tr.Complete("ghost", execution.NodeCompleted, nil, "", execution.TokenUsage{})

	var invalid *execution.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, diagram.NodeID("ghost"), invalid.Node)
}

func TestFailureKeepsErrorOutput(t *testing.T) {
	tr := New(execution.NewID())
	_, err := tr.Begin("x")
	require.NoError(t, err)

	fault := envelope.NewError("x", "boom", "HandlerError")
	require.NoError(t, tr.Complete("x", execution.NodeFailed, fault, "boom", execution.TokenUsage{}))

	assert.Equal(t, execution.NodeFailed, tr.Status("x"))
	assert.Equal(t, execution.FlowBlocked, tr.FlowStatus("x"))
	require.NotNil(t, tr.LastOutput("x"))
	assert.True(t, tr.LastOutput("x").IsError())
}

func TestResetPreservesHistory(t *testing.T) {
	tr := New(execution.NewID())

	// Never executed: reset is a no-op.
	tr.Reset("p")
	assert.Equal(t, execution.NodePending, tr.Status("p"))
	assert.Equal(t, 0, tr.ExecCount("p"))

	_, err := tr.Begin("p")
	require.NoError(t, err)
	out := envelope.NewText("p", "iteration one")
	require.NoError(t, tr.Complete("p", execution.NodeCompleted, out, "", execution.TokenUsage{}))

	tr.Reset("p")
	assert.Equal(t, execution.NodePending, tr.Status("p"))
	assert.Equal(t, execution.FlowReady, tr.FlowStatus("p"))
	assert.Equal(t, 1, tr.ExecCount("p"))
	assert.Same(t, out, tr.LastOutput("p"))
	require.Len(t, tr.Records(), 1)

	snap := tr.Snapshot()["p"]
	assert.True(t, snap.DependenciesMet)
	assert.True(t, snap.Active)
	assert.Nil(t, snap.EndedAt)

	// Reset twice changes nothing further.
	tr.Reset("p")
	assert.Equal(t, 1, tr.ExecCount("p"))
}

func TestMarkTerminalSkipsRecord(t *testing.T) {
	tr := New(execution.NewID())

	seq, err := tr.MarkTerminal("p", execution.NodeMaxIterations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, execution.NodeMaxIterations, tr.Status("p"))
	assert.Equal(t, 0, tr.ExecCount("p"))
	assert.Empty(t, tr.Records())
	assert.Equal(t, []diagram.NodeID{"p"}, tr.ExecutedNodes())
}

func TestMarkTerminalRejectsOpenRecord(t *testing.T) {
	tr := New(execution.NewID())
	_, err := tr.Begin("p")
	require.NoError(t, err)

	_, err = tr.MarkTerminal("p", execution.NodeSkipped)
	var invalid *execution.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
}

func TestTerminalSeqOrdersRefires(t *testing.T) {
	tr := New(execution.NewID())

	run := func(node diagram.NodeID, out *envelope.Envelope) {
		t.Helper()
		_, err := tr.Begin(node)
		require.NoError(t, err)
		require.NoError(t, tr.Complete(node, execution.NodeCompleted, out, "", execution.TokenUsage{}))
	}

	run("p", envelope.NewText("p", "one"))
	run("c", envelope.NewText("c", "false").WithMeta(envelope.MetaBranch, "condfalse"))
	assert.Greater(t, tr.LastTerminalSeq("c"), tr.LastTerminalSeq("p"))
	assert.Equal(t, "condfalse", tr.Branch("c"))

	// Source finishes again: its seq now exceeds the condition's,
	// which is what lets the condition run once more.
	tr.Reset("p")
	run("p", envelope.NewText("p", "two"))
	assert.Greater(t, tr.LastTerminalSeq("p"), tr.LastTerminalSeq("c"))
}

func TestBranchWithoutOutput(t *testing.T) {
	tr := New(execution.NewID())
	assert.Equal(t, "", tr.Branch("c"))
}

func TestSeedFromPersistedState(t *testing.T) {
	state := execution.NewState("resume-1", "d1")
	state.Node("a").Status = execution.NodeCompleted
	state.Node("a").ExecCount = 1
	state.Node("b").Status = execution.NodeRunning
	state.Node("b").ExecCount = 1
	state.NodeOutputs["a"] = envelope.NewText("a", "kept")
	state.ExecutedNodes = []diagram.NodeID{"a"}
	state.TokenUsage = execution.TokenUsage{Total: 7}

	tr := New(state.ID)
	tr.Seed(state)

	assert.Equal(t, execution.NodeCompleted, tr.Status("a"))
	// Interrupted mid-flight: rewinds so the resumed run redoes it.
	assert.Equal(t, execution.NodePending, tr.Status("b"))
	assert.Equal(t, 1, tr.ExecCount("b"))
	assert.Equal(t, "kept", mustText(t, tr.LastOutput("a")))
	assert.Equal(t, int64(1), tr.Seq())
	assert.Equal(t, int64(1), tr.LastTerminalSeq("a"))
	assert.Equal(t, 7, tr.TotalUsage().Total)
}

func TestConcurrentDistinctNodes(t *testing.T) {
	tr := New(execution.NewID())
	nodes := []diagram.NodeID{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(node diagram.NodeID) {
			defer wg.Done()
			if _, err := tr.Begin(node); err != nil {
				t.Error(err)
				return
			}
			if err := tr.Complete(node, execution.NodeCompleted, envelope.NewText(string(node), "ok"), "", execution.TokenUsage{Total: 1}); err != nil {
				t.Error(err)
			}
		}(n)
	}
	wg.Wait()

	assert.Len(t, tr.ExecutedNodes(), len(nodes))
	assert.Equal(t, len(nodes), tr.TotalUsage().Total)
	assert.Equal(t, int64(len(nodes)), tr.Seq())
}

func mustText(t *testing.T, e *envelope.Envelope) string {
	t.Helper()
	require.NotNil(t, e)
	s, err := e.Text()
	require.NoError(t, err)
	return s
}
