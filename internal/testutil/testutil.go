// Package testutil provides scripted providers, recording tools, and
// server-sent-event builders for deterministic tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley"
)

// SSEBuilder assembles a server-sent-event body frame by frame.
type SSEBuilder struct {
	b strings.Builder
}

// Event appends one "event:"+"data:" frame with a JSON payload.
func (s *SSEBuilder) Event(eventType string, payload map[string]any) *SSEBuilder {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["type"] = eventType
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	s.b.WriteString("event: " + eventType + "\n")
	s.b.WriteString("data: " + string(data) + "\n\n")
	return s
}

// Comment appends a comment line frame.
func (s *SSEBuilder) Comment(text string) *SSEBuilder {
	s.b.WriteString(": " + text + "\n\n")
	return s
}

// Raw appends bytes verbatim.
func (s *SSEBuilder) Raw(text string) *SSEBuilder {
	s.b.WriteString(text)
	return s
}

// Done appends the [DONE] sentinel frame.
func (s *SSEBuilder) Done() *SSEBuilder {
	s.b.WriteString("data: [DONE]\n\n")
	return s
}

func (s *SSEBuilder) String() string { return s.b.String() }
func (s *SSEBuilder) Bytes() []byte  { return []byte(s.b.String()) }

// TextDeltaEvent builds a response.output_text.delta frame.
func (s *SSEBuilder) TextDelta(delta string) *SSEBuilder {
	return s.Event("response.output_text.delta", map[string]any{"delta": delta})
}

// FunctionCallAdded builds a response.output_item.added frame for a
// function call item.
func (s *SSEBuilder) FunctionCallAdded(itemID, callID, name string, outputIndex int) *SSEBuilder {
	return s.Event("response.output_item.added", map[string]any{
		"output_index": outputIndex,
		"item": map[string]any{
			"type":    "function_call",
			"id":      itemID,
			"call_id": callID,
			"name":    name,
		},
	})
}

// ArgumentsDelta builds a response.function_call_arguments.delta frame.
func (s *SSEBuilder) ArgumentsDelta(itemID, delta string) *SSEBuilder {
	return s.Event("response.function_call_arguments.delta", map[string]any{
		"item_id": itemID,
		"delta":   delta,
	})
}

// ArgumentsDone builds a response.function_call_arguments.done frame.
func (s *SSEBuilder) ArgumentsDone(itemID, arguments string) *SSEBuilder {
	return s.Event("response.function_call_arguments.done", map[string]any{
		"item_id":   itemID,
		"arguments": arguments,
	})
}

// Completed builds a response.completed frame with usage.
func (s *SSEBuilder) Completed(promptTokens, completionTokens int) *SSEBuilder {
	return s.Event("response.completed", map[string]any{
		"response": map[string]any{
			"usage": map[string]any{
				"input_tokens":  promptTokens,
				"output_tokens": completionTokens,
				"total_tokens":  promptTokens + completionTokens,
			},
		},
	})
}

// ChunkedReader yields the payload in fixed-size chunks so readers see
// frames split at arbitrary byte boundaries.
type ChunkedReader struct {
	data  []byte
	chunk int
	off   int
}

func NewChunkedReader(data []byte, chunkSize int) *ChunkedReader {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return &ChunkedReader{data: data, chunk: chunkSize}
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	end := r.off + r.chunk
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.off:end])
	r.off += n
	return n, nil
}

func (r *ChunkedReader) Close() error { return nil }

// WireProvider serves a scripted SSE body through StreamWire.
type WireProvider struct {
	ProviderName string
	Body         []byte
	ChunkSize    int
	Err          error
}

func (p *WireProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "testwire"
}

func (p *WireProvider) Capabilities() parley.Capabilities {
	return parley.Capabilities{ToolStreaming: true}
}

func (p *WireProvider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	chunk := p.ChunkSize
	if chunk == 0 {
		chunk = 7
	}
	return NewChunkedReader(p.Body, chunk), nil
}

func (p *WireProvider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	return nil, parley.ErrUnsupported
}

func (p *WireProvider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	return nil, parley.ErrUnsupported
}

// MessageProvider serves scripted structured chunks through
// StreamMessages.
type MessageProvider struct {
	ProviderName string
	Chunks       []parley.MessageChunk
	OpenErr      error
	// FailAfter makes Next return an error after that many chunks when
	// non-nil.
	FailAfter *int
	FailErr   error

	mu       sync.Mutex
	Requests []parley.Request
}

func (p *MessageProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "testmessages"
}

func (p *MessageProvider) Capabilities() parley.Capabilities {
	return parley.Capabilities{MessageStreaming: true}
}

func (p *MessageProvider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	return nil, parley.ErrUnsupported
}

func (p *MessageProvider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &scriptedMessageStream{chunks: p.Chunks, failAfter: p.FailAfter, failErr: p.FailErr}, nil
}

func (p *MessageProvider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	ms, err := p.StreamMessages(ctx, req)
	if err != nil {
		return nil, err
	}
	return parley.TextOnly(ms), nil
}

// LastRequest returns the most recent request seen, if any.
func (p *MessageProvider) LastRequest() (parley.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return parley.Request{}, false
	}
	return p.Requests[len(p.Requests)-1], true
}

type scriptedMessageStream struct {
	chunks    []parley.MessageChunk
	pos       int
	failAfter *int
	failErr   error
}

func (s *scriptedMessageStream) Next(ctx context.Context) (parley.MessageChunk, error) {
	if err := ctx.Err(); err != nil {
		return parley.MessageChunk{}, err
	}
	if s.failAfter != nil && s.pos >= *s.failAfter {
		err := s.failErr
		if err == nil {
			err = fmt.Errorf("scripted stream failure at chunk %d", s.pos)
		}
		return parley.MessageChunk{}, err
	}
	if s.pos >= len(s.chunks) {
		return parley.MessageChunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedMessageStream) Close() error { return nil }

// TextProvider serves scripted text deltas through StreamText only.
type TextProvider struct {
	ProviderName string
	Deltas       []string
	OpenErr      error
}

func (p *TextProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "testtext"
}

func (p *TextProvider) Capabilities() parley.Capabilities {
	return parley.Capabilities{}
}

func (p *TextProvider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	return nil, parley.ErrUnsupported
}

func (p *TextProvider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	return nil, parley.ErrUnsupported
}

func (p *TextProvider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &scriptedTextStream{deltas: p.Deltas}, nil
}

type scriptedTextStream struct {
	deltas []string
	pos    int
}

func (s *scriptedTextStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *scriptedTextStream) Close() error { return nil }

// ToolSpan records the execution window of one tool invocation.
type ToolSpan struct {
	Name  string
	Args  string
	Enter time.Time
	Exit  time.Time
}

// Overlaps reports whether two spans ran concurrently.
func (s ToolSpan) Overlaps(other ToolSpan) bool {
	return s.Enter.Before(other.Exit) && other.Enter.Before(s.Exit)
}

// RecordingTool captures execution spans and returns a fixed output.
// A positive Delay keeps the tool inside its span long enough for
// overlap checks to be meaningful.
type RecordingTool struct {
	ToolName string
	Mutates  bool
	Output   string
	Err      error
	Delay    time.Duration
	PanicMsg string

	mu    sync.Mutex
	spans []ToolSpan
}

func (t *RecordingTool) Spec() parley.ToolSpec {
	return parley.ToolSpec{
		Name:        t.ToolName,
		Description: "recording test tool",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t *RecordingTool) Mutating() bool { return t.Mutates }

func (t *RecordingTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	span := ToolSpan{Name: t.ToolName, Args: argumentsJSON, Enter: time.Now()}
	if t.PanicMsg != "" {
		panic(t.PanicMsg)
	}
	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	span.Exit = time.Now()

	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	if t.Err != nil {
		return "", t.Err
	}
	return t.Output, nil
}

// Spans returns a copy of the recorded execution windows.
func (t *RecordingTool) Spans() []ToolSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolSpan, len(t.spans))
	copy(out, t.spans)
	return out
}

// CollectEvents drains events from ch until a terminal stream event for
// messageID arrives or the timeout lapses.
func CollectEvents(ch <-chan parley.Event, messageID string, timeout time.Duration) []parley.StreamEvent {
	var out []parley.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			se, isStream := ev.(parley.StreamEvent)
			if !isStream || se.MessageID != messageID {
				continue
			}
			out = append(out, se)
			if se.Type == parley.EventDone {
				return out
			}
		case <-deadline:
			return out
		}
	}
}
