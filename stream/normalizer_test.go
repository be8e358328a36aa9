package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/wire"
)

func feed(n *Normalizer, events ...wire.Event) []parley.StreamEvent {
	var out []parley.StreamEvent
	for _, ev := range events {
		out = append(out, n.Handle(ev)...)
	}
	return out
}

func TestNormalizedModeEmitsExactlyOneCompletePerCall(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	events := feed(n,
		wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_1", CallID: "call_1", Name: "get_weather"},
		wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_1", Delta: `{"loc`},
		wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_1", Delta: `ation":"Paris"}`},
		wire.Event{Type: wire.EventFunctionCallDone, ItemID: "fc_1"},
	)

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, parley.EventToolCallComplete, ev.Type)
	assert.Equal(t, "conv", ev.ConversationID)
	assert.Equal(t, "msg", ev.MessageID)
	require.NotNil(t, ev.Invocation)
	assert.False(t, ev.Invocation.Partial)
	assert.Equal(t, `{"location":"Paris"}`, ev.Invocation.Arguments)
}

func TestDoneArgumentsTakePrecedenceOverFragments(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	events := feed(n,
		wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_1", CallID: "call_1", Name: "f"},
		wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_1", Delta: `{"bro`},
		wire.Event{Type: wire.EventFunctionCallDone, ItemID: "fc_1", Arguments: `{"full":true}`},
	)

	require.Len(t, events, 1)
	assert.Equal(t, `{"full":true}`, events[0].Invocation.Arguments)
}

func TestDuplicateTerminalEventsAreIdempotent(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	feed(n, wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_1", CallID: "call_1", Name: "f"})
	first := n.Handle(wire.Event{Type: wire.EventFunctionCallDone, ItemID: "fc_1", Arguments: `{}`})
	require.Len(t, first, 1)

	// output_item.done for the same item must not produce a second
	// complete.
	second := n.Handle(wire.Event{Type: wire.EventOutputItemDone, ItemID: "fc_1"})
	assert.Empty(t, second)
}

func TestLateDeltaAfterTerminalIsNoOp(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	feed(n,
		wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_1", CallID: "call_1", Name: "f"},
		wire.Event{Type: wire.EventFunctionCallDone, ItemID: "fc_1", Arguments: `{}`},
	)
	late := n.Handle(wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_1", Delta: "zzz"})
	assert.Empty(t, late)
}

func TestRawModeEmitsLivePartials(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeRaw)

	added := n.Handle(wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_1", CallID: "call_1", Name: "f", OutputIndex: 2})
	require.Len(t, added, 2)
	assert.Equal(t, parley.EventToolCallStart, added[0].Type)
	assert.Equal(t, parley.EventToolCallComplete, added[1].Type)
	require.NotNil(t, added[1].Invocation)
	assert.True(t, added[1].Invocation.Partial)
	assert.Equal(t, 2, added[1].Index)

	delta := n.Handle(wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_1", Delta: `{"x":1`})
	require.Len(t, delta, 1)
	assert.Equal(t, parley.EventToolCallDelta, delta[0].Type)
	assert.Equal(t, `{"x":1`, delta[0].ArgsDelta)

	done := n.Handle(wire.Event{Type: wire.EventFunctionCallDone, ItemID: "fc_1", Arguments: `{"x":1}`})
	require.Len(t, done, 1)
	assert.False(t, done[0].Invocation.Partial)
}

func TestCompletionFlushesOpenCallsByOutputIndex(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	feed(n,
		wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_b", CallID: "call_b", Name: "b", OutputIndex: 3},
		wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc_a", CallID: "call_a", Name: "a", OutputIndex: 1},
		wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_a", Delta: `{}`},
		wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc_b", Delta: `{}`},
	)
	events := n.Handle(wire.Event{Type: wire.EventResponseCompleted})

	require.Len(t, events, 3)
	assert.Equal(t, "call_a", events[0].CallID)
	assert.Equal(t, "call_b", events[1].CallID)
	assert.Equal(t, parley.EventDone, events[2].Type)
	assert.Equal(t, parley.StopToolUse, events[2].StopReason)
}

func TestCompletionWithUsage(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	feed(n, wire.Event{Type: wire.EventOutputTextDelta, Delta: "hi"})
	events := n.Handle(wire.Event{
		Type:  wire.EventResponseCompleted,
		Usage: &parley.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	})

	require.Len(t, events, 2)
	assert.Equal(t, parley.EventUsage, events[0].Type)
	assert.Equal(t, 5, events[0].Usage.TotalTokens)
	assert.Equal(t, parley.EventDone, events[1].Type)
	assert.Equal(t, parley.StopStop, events[1].StopReason)
}

func TestFinishIsIdempotentAfterCompletion(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	n.Handle(wire.Event{Type: wire.EventResponseCompleted})
	assert.Empty(t, n.Finish())
	assert.Empty(t, n.Handle(wire.Event{Type: wire.EventOutputTextDelta, Delta: "late"}))
}

func TestFinishClosesStreamWithoutCompletedEvent(t *testing.T) {
	n := NewNormalizer("conv", "msg", ModeNormalized)

	feed(n, wire.Event{Type: wire.EventOutputTextDelta, Delta: "partial answer"})
	events := n.Finish()

	require.Len(t, events, 1)
	assert.Equal(t, parley.EventDone, events[0].Type)
}

// The final arguments must equal the concatenation of the fragments, for
// any split of the same argument text.
func TestFragmentConcatenationProperty(t *testing.T) {
	const args = `{"query":"weather in Paris, France","units":"metric"}`

	for _, size := range []int{1, 3, 7, 10, len(args)} {
		n := NewNormalizer("conv", "msg", ModeNormalized)
		feed(n, wire.Event{Type: wire.EventFunctionCallAdded, ItemID: "fc", CallID: "c", Name: "f"})
		for i := 0; i < len(args); i += size {
			end := i + size
			if end > len(args) {
				end = len(args)
			}
			feed(n, wire.Event{Type: wire.EventFunctionCallDelta, ItemID: "fc", Delta: args[i:end]})
		}
		events := feed(n, wire.Event{Type: wire.EventFunctionCallDone, ItemID: "fc"})
		require.Len(t, events, 1, "split size %d", size)
		assert.Equal(t, args, events[0].Invocation.Arguments, "split size %d", size)
	}
}
