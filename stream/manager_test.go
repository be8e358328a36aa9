package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/internal/testutil"
)

const eventTimeout = 2 * time.Second

func TestManagerWireStreamEndToEnd(t *testing.T) {
	var sse testutil.SSEBuilder
	sse.TextDelta("Hel").
		TextDelta("lo").
		FunctionCallAdded("fc_1", "call_1", "get_weather", 1).
		ArgumentsDelta("fc_1", `{"location":`).
		ArgumentsDelta("fc_1", `"Paris"}`).
		ArgumentsDone("fc_1", `{"location":"Paris"}`).
		Completed(10, 5)

	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-1",
		Provider:       &testutil.WireProvider{Body: sse.Bytes(), ChunkSize: 5},
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)
	require.Len(t, got, 5)

	assert.Equal(t, parley.EventStarted, got[0].Type)

	// The text coalesces below the threshold and must flush before the
	// tool-call event.
	assert.Equal(t, parley.EventTextDelta, got[1].Type)
	assert.Equal(t, "Hello", got[1].Delta)

	assert.Equal(t, parley.EventToolCallComplete, got[2].Type)
	require.NotNil(t, got[2].Invocation)
	assert.False(t, got[2].Invocation.Partial)
	assert.Equal(t, `{"location":"Paris"}`, got[2].Invocation.Arguments)

	assert.Equal(t, parley.EventUsage, got[3].Type)
	assert.Equal(t, 15, got[3].Usage.TotalTokens)

	assert.Equal(t, parley.EventDone, got[4].Type)
	assert.Equal(t, parley.StopToolUse, got[4].StopReason)

	for _, ev := range got {
		assert.Equal(t, "conv-1", ev.ConversationID)
		assert.Equal(t, h.MessageID, ev.MessageID)
	}
}

func TestManagerCoalescesSmallDeltas(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	mgr := NewManager(bus, Config{CoalesceBytes: 1 << 20})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-coalesce",
		Provider:       &testutil.TextProvider{Deltas: []string{"a", "b", "c", "d"}},
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)
	require.Len(t, got, 3)
	assert.Equal(t, parley.EventStarted, got[0].Type)
	assert.Equal(t, "abcd", got[1].Delta)
	assert.Equal(t, parley.EventDone, got[2].Type)
}

func TestManagerMalformedFrameEmitsNonTerminalError(t *testing.T) {
	var sse testutil.SSEBuilder
	sse.Raw("data: not json\n\n").
		TextDelta("still fine").
		Completed(1, 1)

	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-err",
		Provider:       &testutil.WireProvider{Body: sse.Bytes()},
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)

	var sawError, sawText bool
	doneCount := 0
	for _, ev := range got {
		switch ev.Type {
		case parley.EventError:
			sawError = true
		case parley.EventTextDelta:
			sawText = true
		case parley.EventDone:
			doneCount++
		}
	}
	assert.True(t, sawError, "parse error should surface as an error event")
	assert.True(t, sawText, "stream should continue past the malformed frame")
	assert.Equal(t, 1, doneCount)
	assert.Equal(t, parley.EventDone, got[len(got)-1].Type)
}

// fallbackProvider claims tool streaming but fails to open the wire,
// serving structured messages instead.
type fallbackProvider struct {
	testutil.MessageProvider
}

func (p *fallbackProvider) Capabilities() parley.Capabilities {
	return parley.Capabilities{ToolStreaming: true, MessageStreaming: true}
}

func (p *fallbackProvider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	return nil, errors.New("wire endpoint unavailable")
}

func TestManagerFallsBackWhenWireFailsBeforeOutput(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	provider := &fallbackProvider{testutil.MessageProvider{
		Chunks: []parley.MessageChunk{
			{TextDelta: "fallback text"},
			{Usage: &parley.Usage{TotalTokens: 7}, StopReason: parley.StopStop},
		},
	}}

	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-fallback",
		Provider:       provider,
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)
	require.NotEmpty(t, got)
	assert.Equal(t, parley.EventDone, got[len(got)-1].Type)

	var text string
	for _, ev := range got {
		if ev.Type == parley.EventTextDelta {
			text += ev.Delta
		}
		assert.NotEqual(t, parley.EventError, ev.Type)
	}
	assert.Equal(t, "fallback text", text)
}

func TestManagerCapabilityOverrideForcesDegradedStrategy(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	provider := &testutil.MessageProvider{
		Chunks: []parley.MessageChunk{
			{TextDelta: "plain"},
			{StopReason: parley.StopStop},
		},
	}

	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-override",
		Provider:       provider,
		Capabilities:   &parley.Capabilities{},
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)
	require.NotEmpty(t, got)
	assert.Equal(t, parley.EventDone, got[len(got)-1].Type)
}

func TestManagerMidStreamFailureDoesNotFallBack(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	failAfter := 1
	provider := &testutil.MessageProvider{
		Chunks:    []parley.MessageChunk{{TextDelta: "partial out"}},
		FailAfter: &failAfter,
		FailErr:   errors.New("connection reset"),
	}

	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-midfail",
		Provider:       provider,
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)
	require.NotEmpty(t, got)

	// One open per strategy: the mid-stream failure must not retry on a
	// degraded strategy.
	assert.Len(t, provider.Requests, 1)

	last := got[len(got)-1]
	assert.Equal(t, parley.EventDone, last.Type)
	assert.Equal(t, parley.StopError, last.StopReason)

	var sawError bool
	for _, ev := range got {
		if ev.Type == parley.EventError {
			sawError = true
			assert.Contains(t, ev.Err, "connection reset")
		}
	}
	assert.True(t, sawError)
}

// blockingProvider never produces output until its context is cancelled.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }
func (blockingProvider) Capabilities() parley.Capabilities {
	return parley.Capabilities{}
}
func (blockingProvider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	return nil, parley.ErrUnsupported
}
func (blockingProvider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	return nil, parley.ErrUnsupported
}
func (blockingProvider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	return blockingTextStream{}, nil
}

type blockingTextStream struct{}

func (blockingTextStream) Next(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingTextStream) Close() error { return nil }

func TestManagerCancelledStreamGoesSilent(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-cancel",
		Provider:       blockingProvider{},
	})
	require.NoError(t, err)

	require.True(t, mgr.Cancel("conv-cancel"))
	select {
	case <-h.Done():
	case <-time.After(eventTimeout):
		t.Fatal("stream task did not exit after cancel")
	}

	got := testutil.CollectEvents(events, h.MessageID, 100*time.Millisecond)
	for _, ev := range got {
		assert.NotEqual(t, parley.EventDone, ev.Type, "cancelled stream must not emit Done")
		assert.NotEqual(t, parley.EventError, ev.Type, "cancelled stream must not emit Error")
	}
}

func TestManagerSupersedesLiveStreamPerConversation(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	mgr := NewManager(bus, Config{})
	first, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-super",
		Provider:       blockingProvider{},
	})
	require.NoError(t, err)

	second, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-super",
		Provider:       &testutil.TextProvider{Deltas: []string{"winner"}},
	})
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(eventTimeout):
		t.Fatal("superseded stream did not exit")
	}

	got := testutil.CollectEvents(events, second.MessageID, eventTimeout)
	require.NotEmpty(t, got)
	assert.Equal(t, parley.EventDone, got[len(got)-1].Type)

	silent := testutil.CollectEvents(events, first.MessageID, 100*time.Millisecond)
	for _, ev := range silent {
		assert.NotEqual(t, parley.EventDone, ev.Type)
	}
}

func TestManagerExhaustedStrategiesSurfaceErrorThenDone(t *testing.T) {
	bus := parley.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	// A wire-only provider whose endpoint is down leaves no strategy to
	// fall back to: StreamMessages and StreamText are both unsupported.
	mgr := NewManager(bus, Config{})
	h, err := mgr.Start(context.Background(), parley.StreamRequest{
		ConversationID: "conv-exhausted",
		Provider:       &testutil.WireProvider{Err: errors.New("wire endpoint unavailable")},
	})
	require.NoError(t, err)

	got := testutil.CollectEvents(events, h.MessageID, eventTimeout)
	require.Len(t, got, 3)
	assert.Equal(t, parley.EventStarted, got[0].Type)
	assert.Equal(t, parley.EventError, got[1].Type)
	assert.Equal(t, parley.EventDone, got[2].Type)
	assert.Equal(t, parley.StopError, got[2].StopReason)
}

func TestManagerRejectsNilProvider(t *testing.T) {
	mgr := NewManager(parley.NewBus(), Config{})
	_, err := mgr.Start(context.Background(), parley.StreamRequest{ConversationID: "x"})
	assert.ErrorIs(t, err, parley.ErrNoProvider)
}
