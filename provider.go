package parley

import (
	"context"
	"io"
)

// Capabilities declare which streaming strategies a provider supports.
// The stream manager tries the richest supported strategy first and
// degrades: tool-aware wire streaming, then structured message streaming,
// then plain text.
type Capabilities struct {
	// ToolStreaming means StreamWire returns a raw wire stream that carries
	// incremental tool-call events.
	ToolStreaming bool
	// MessageStreaming means StreamMessages returns structured chunks with
	// complete tool calls.
	MessageStreaming bool
}

// Request is the provider-agnostic generation input.
type Request struct {
	SystemPrompt string
	History      []Message
	Tools        []ToolSpec
}

// MessageChunk is one structured streaming update. Exactly one field group
// is populated per chunk: a text delta, a complete tool call, or the final
// usage/stop information.
type MessageChunk struct {
	TextDelta  string
	ToolCall   *ToolInvocation
	Usage      *Usage
	StopReason StopReason
}

// MessageStream yields structured chunks. Next returns io.EOF after the
// final chunk.
type MessageStream interface {
	Next(ctx context.Context) (MessageChunk, error)
	Close() error
}

// TextStream yields plain text deltas. Next returns io.EOF at stream end.
type TextStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// TextOnly adapts a structured message stream into a plain text stream.
// Non-text chunks are discarded.
func TextOnly(ms MessageStream) TextStream {
	return textOnlyStream{ms: ms}
}

type textOnlyStream struct {
	ms MessageStream
}

func (t textOnlyStream) Next(ctx context.Context) (string, error) {
	for {
		chunk, err := t.ms.Next(ctx)
		if err != nil {
			return "", err
		}
		if chunk.TextDelta != "" {
			return chunk.TextDelta, nil
		}
	}
}

func (t textOnlyStream) Close() error { return t.ms.Close() }

// Provider is the capability object the core consumes. Concrete backends
// implement whichever streaming methods their wire protocol supports and
// return ErrUnsupported from the rest.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	// StreamWire opens a raw server-sent-event byte stream for the wire
	// parser. Only meaningful when Capabilities().ToolStreaming is true.
	StreamWire(ctx context.Context, req Request) (io.ReadCloser, error)

	// StreamMessages opens a structured per-message stream.
	StreamMessages(ctx context.Context, req Request) (MessageStream, error)

	// StreamText opens a plain text delta stream. Wire-only backends may
	// return ErrUnsupported here too; when every strategy is unsupported
	// the stream manager surfaces the exhausted chain as Error then Done.
	StreamText(ctx context.Context, req Request) (TextStream, error)
}

// StreamRequest describes one model turn. Immutable once created.
type StreamRequest struct {
	ConversationID string
	// MessageID correlates the emitted events; the stream manager assigns
	// one when empty.
	MessageID    string
	Provider     Provider
	SystemPrompt string
	History      []Message
	Tools        []ToolSpec

	// Capabilities overrides the provider's advertised capabilities when
	// non-nil. Used to force a degraded strategy.
	Capabilities *Capabilities
}
