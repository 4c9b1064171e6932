package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

type fakeHistory struct {
	outputs  map[diagram.NodeID]*envelope.Envelope
	counts   map[diagram.NodeID]int
	branches map[diagram.NodeID]string
}

func (f *fakeHistory) LastOutput(n diagram.NodeID) *envelope.Envelope { return f.outputs[n] }
func (f *fakeHistory) ExecCount(n diagram.NodeID) int                 { return f.counts[n] }
func (f *fakeHistory) Branch(n diagram.NodeID) string                 { return f.branches[n] }

type nopLogger struct{}

func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func mustDiagram(t *testing.T, nodes []*diagram.Node, arrows []*diagram.Arrow) *diagram.Diagram {
	t.Helper()
	d, err := diagram.New("d", "test", nodes, arrows, nil)
	require.NoError(t, err)
	return d
}

func TestResolveSkipsSourcesWithoutOutput(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "a", Kind: diagram.KindCodeJob},
			{ID: "b", Kind: diagram.KindCodeJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "b", Label: "from_start"},
			{Source: "a", Target: "b", Label: "from_a"},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s": envelope.NewText("s", "go"),
		},
	}

	node, _ := d.Node("b")
	inputs, err := New(nopLogger{}).Resolve(d, hist, node)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs, "from_start")
}

func TestResolveGatesConditionBranch(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "c", Kind: diagram.KindCondition},
			{ID: "a", Kind: diagram.KindCodeJob},
			{ID: "b", Kind: diagram.KindCodeJob},
			{ID: "s", Kind: diagram.KindStart},
		},
		[]*diagram.Arrow{
			{Source: "c", SourcePort: diagram.PortCondTrue, Target: "a"},
			{Source: "c", SourcePort: diagram.PortCondFalse, Target: "b"},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"c": envelope.NewJSON("c", true).WithMeta(envelope.MetaBranch, diagram.PortCondTrue),
		},
		branches: map[diagram.NodeID]string{"c": diagram.PortCondTrue},
	}

	r := New(nopLogger{})

	nodeA, _ := d.Node("a")
	inputs, err := r.Resolve(d, hist, nodeA)
	require.NoError(t, err)
	assert.Len(t, inputs, 1)

	nodeB, _ := d.Node("b")
	inputs, err = r.Resolve(d, hist, nodeB)
	require.NoError(t, err)
	assert.Empty(t, inputs)
}

func TestResolvePersonJobFirstPort(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "loop", Kind: diagram.KindCodeJob},
			{ID: "p", Kind: diagram.KindPersonJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "p", TargetPort: diagram.PortFirst},
			{Source: "loop", Target: "p"},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s":    envelope.NewText("s", "seed"),
			"loop": envelope.NewText("loop", "feedback"),
		},
		counts: map[diagram.NodeID]int{},
	}
	r := New(nopLogger{})
	node, _ := d.Node("p")

	// First invocation: the "first" arrow wins over the regular one.
	inputs, err := r.Resolve(d, hist, node)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs, diagram.PortFirst)

	// Later invocations exclude "first" arrows.
	hist.counts["p"] = 1
	inputs, err = r.Resolve(d, hist, node)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs, diagram.PortDefault)
}

func TestResolvePersonJobFirstFallback(t *testing.T) {
	// No "first" arrow has output yet, so the first run falls back to
	// the regular arrows.
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "p", Kind: diagram.KindPersonJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "p"},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s": envelope.NewText("s", "seed"),
		},
		counts: map[diagram.NodeID]int{},
	}

	node, _ := d.Node("p")
	inputs, err := New(nopLogger{}).Resolve(d, hist, node)
	require.NoError(t, err)
	assert.Contains(t, inputs, diagram.PortDefault)
}

func TestResolveConversationBypassesFirstRules(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "mem", Kind: diagram.KindCodeJob},
			{ID: "p", Kind: diagram.KindPersonJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "p", TargetPort: diagram.PortFirst},
			{Source: "mem", Target: "p", Label: "history", ContentType: string(envelope.Conversation)},
		})
	dialogue := &envelope.Dialogue{Messages: []envelope.Message{{Role: "user", Content: "hi"}}}
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s":   envelope.NewText("s", "seed"),
			"mem": envelope.NewConversation("mem", dialogue),
		},
		counts: map[diagram.NodeID]int{},
	}

	node, _ := d.Node("p")
	inputs, err := New(nopLogger{}).Resolve(d, hist, node)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Contains(t, inputs, diagram.PortFirst)
	assert.Contains(t, inputs, "history")
}

func TestResolveObjectTransform(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "t", Kind: diagram.KindCodeJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "t", ContentType: string(envelope.Object)},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s": envelope.NewText("s", `{"answer": 42}`),
		},
	}

	node, _ := d.Node("t")
	inputs, err := New(nopLogger{}).Resolve(d, hist, node)
	require.NoError(t, err)

	body, err := inputs[diagram.PortDefault].JSON()
	require.NoError(t, err)
	assert.Equal(t, float64(42), body.(map[string]any)["answer"])
}

func TestResolveObjectTransformParseFailure(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "t", Kind: diagram.KindCodeJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "t", ContentType: string(envelope.Object)},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s": envelope.NewText("s", "not json"),
		},
	}

	node, _ := d.Node("t")
	_, err := New(nopLogger{}).Resolve(d, hist, node)
	var rerr *execution.InputResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, diagram.NodeID("t"), rerr.Node)
}

func TestResolvePathExtraction(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "t", Kind: diagram.KindCodeJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "t", Path: "user.name"},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s": envelope.NewJSON("s", map[string]any{"user": map[string]any{"name": "ada"}}),
		},
	}

	node, _ := d.Node("t")
	inputs, err := New(nopLogger{}).Resolve(d, hist, node)
	require.NoError(t, err)

	body, err := inputs[diagram.PortDefault].JSON()
	require.NoError(t, err)
	assert.Equal(t, "ada", body)
}

func TestResolveLastWriterWins(t *testing.T) {
	d := mustDiagram(t,
		[]*diagram.Node{
			{ID: "s", Kind: diagram.KindStart},
			{ID: "a", Kind: diagram.KindCodeJob},
			{ID: "t", Kind: diagram.KindCodeJob},
		},
		[]*diagram.Arrow{
			{Source: "s", Target: "t", Label: "in"},
			{Source: "a", Target: "t", Label: "in"},
		})
	hist := &fakeHistory{
		outputs: map[diagram.NodeID]*envelope.Envelope{
			"s": envelope.NewText("s", "early"),
			"a": envelope.NewText("a", "late"),
		},
	}

	node, _ := d.Node("t")
	inputs, err := New(nopLogger{}).Resolve(d, hist, node)
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	text, err := inputs["in"].Text()
	require.NoError(t, err)
	assert.Equal(t, "late", text)

	replaced, ok := inputs["in"].MetaValue(envelope.MetaOverwrites)
	require.True(t, ok)
	assert.Equal(t, "s", replaced)
}
