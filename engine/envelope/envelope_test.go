package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedAccessors(t *testing.T) {
	text := NewText("n1", "hello")
	got, err := text.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = text.JSON()
	assert.Error(t, err, "accessor must fail on kind mismatch")

	obj := NewJSON("n1", map[string]any{"a": 1})
	v, err := obj.JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, v)

	_, err = obj.Bytes()
	assert.Error(t, err)
}

func TestPack(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want ContentType
	}{
		{"string", "s", RawText},
		{"bytes", []byte{1, 2}, Binary},
		{"map", map[string]any{"k": "v"}, Object},
		{"number", 42, Object},
		{"nil", nil, RawText},
		{"error", errors.New("boom"), ErrorKind},
		{"dialogue", &Dialogue{}, Conversation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Pack("n", tc.in).ContentType())
		})
	}

	list := Pack("n", []any{1, 2, 3})
	wrapped, ok := list.MetaValue(MetaWrappedList)
	require.True(t, ok)
	assert.Equal(t, true, wrapped)
}

func TestWithMetaReturnsCopy(t *testing.T) {
	orig := NewText("n1", "x")
	tagged := orig.WithMeta("k", "v")

	assert.NotSame(t, orig, tagged)
	_, ok := orig.MetaValue("k")
	assert.False(t, ok, "original must stay unmodified")
	v, ok := tagged.MetaValue("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCloneIsIndependent(t *testing.T) {
	d := &Dialogue{Messages: []Message{{Role: "user", Content: "hi"}}}
	orig := NewConversation("p", d)
	cp := orig.Clone()

	got, err := cp.Conversation()
	require.NoError(t, err)
	got.Messages[0].Content = "changed"

	before, err := orig.Conversation()
	require.NoError(t, err)
	assert.Equal(t, "hi", before.Messages[0].Content)
}

func TestRoundTripStable(t *testing.T) {
	envelopes := []*Envelope{
		NewText("n1", "some text").WithTrace("exec-1"),
		NewJSON("n2", map[string]any{"b": float64(2), "a": "x"}),
		NewBinary("n3", []byte{0xde, 0xad, 0xbe, 0xef}),
		NewError("n4", "went wrong", "HandlerError"),
	}

	for _, e := range envelopes {
		first, err := json.Marshal(e)
		require.NoError(t, err)

		var back Envelope
		require.NoError(t, json.Unmarshal(first, &back))
		assert.Equal(t, e.ContentType(), back.ContentType())
		assert.Equal(t, e.ProducedBy(), back.ProducedBy())

		second, err := json.Marshal(&back)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second), "serialize round trip must be byte stable")
	}
}

func TestUnknownKindDegrades(t *testing.T) {
	raw := `{"_kind":"FancyEnvelope","produced_by":"n9","content_type":"fancy","body":{"x":1},"meta":{"m":true}}`

	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	assert.Equal(t, "FancyEnvelope", e.Kind())
	assert.Equal(t, ContentType("fancy"), e.ContentType())
	assert.Equal(t, map[string]any{"x": float64(1)}, e.Body())
	v, ok := e.MetaValue("m")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestPreviewBounds(t *testing.T) {
	long := make([]byte, 0, 1000)
	for i := 0; i < 500; i++ {
		long = append(long, 'a', 'b')
	}
	e := NewText("n", string(long))
	assert.Len(t, e.Preview(256), 256)

	bin := NewBinary("n", []byte{1, 2, 3})
	assert.Equal(t, "<3 bytes>", bin.Preview(256))
}

func TestDialogueAppend(t *testing.T) {
	d := &Dialogue{}
	d2 := d.Append("user", "question")
	d3 := d2.Append("assistant", "answer")

	assert.Empty(t, d.Messages)
	assert.Len(t, d2.Messages, 1)
	require.Len(t, d3.Messages, 2)
	assert.Equal(t, "assistant", d3.Messages[1].Role)
}
