package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/wire"
)

// DefaultCoalesceBytes is the minimum text-delta batch size. Deltas are
// buffered until the batch reaches this size, bounding event-bus traffic
// without materially increasing latency.
const DefaultCoalesceBytes = 32

const readChunkSize = 4096

// Config tunes the stream manager.
type Config struct {
	// CoalesceBytes overrides DefaultCoalesceBytes when positive.
	CoalesceBytes int
	// Mode selects the normalizer mode for the wire strategy.
	Mode Mode
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Manager supervises background streaming tasks, at most one per
// conversation id. Starting a new stream for a conversation invalidates
// the previous handle; the superseded task stops emitting at its next
// suspension point.
type Manager struct {
	bus *parley.Bus
	cfg Config

	mu     sync.Mutex
	active map[string]*Handle
}

// Handle identifies one running stream task and carries its cancellation
// binding.
type Handle struct {
	ConversationID string
	MessageID      string

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the stream task exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel invalidates the handle. The task observes cancellation at its
// next suspension point and exits without emitting further events.
func (h *Handle) Cancel() { h.cancel() }

// NewManager creates a stream manager publishing on bus.
func NewManager(bus *parley.Bus, cfg Config) *Manager {
	if cfg.CoalesceBytes <= 0 {
		cfg.CoalesceBytes = DefaultCoalesceBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		bus:    bus,
		cfg:    cfg,
		active: make(map[string]*Handle),
	}
}

// Start launches a streaming task for the request and returns its handle.
// Any live stream for the same conversation is cancelled first (it winds
// down silently in the background).
func (m *Manager) Start(ctx context.Context, req parley.StreamRequest) (*Handle, error) {
	if req.Provider == nil {
		return nil, parley.ErrNoProvider
	}
	if req.MessageID == "" {
		req.MessageID = ulid.Make().String()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	if prev, ok := m.active[req.ConversationID]; ok {
		prev.cancel()
	}
	m.active[req.ConversationID] = h
	m.mu.Unlock()

	go m.run(taskCtx, req, h)
	return h, nil
}

// Cancel invalidates the live handle for a conversation, if any.
func (m *Manager) Cancel(conversationID string) bool {
	m.mu.Lock()
	h, ok := m.active[conversationID]
	m.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.active[h.ConversationID] == h {
		delete(m.active, h.ConversationID)
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, req parley.StreamRequest, h *Handle) {
	defer close(h.done)
	defer m.release(h)
	defer h.cancel()

	em := &emitter{
		ctx:       ctx,
		bus:       m.bus,
		convID:    req.ConversationID,
		msgID:     req.MessageID,
		threshold: m.cfg.CoalesceBytes,
	}
	em.send(parley.StreamEvent{Type: parley.EventStarted})

	err := m.runStrategies(ctx, req, em)

	if ctx.Err() != nil {
		// Cancelled: the caller already knows the stream is dead. No
		// synthetic Done.
		return
	}
	em.flushText()
	if err != nil {
		em.send(parley.StreamEvent{Type: parley.EventError, Err: err.Error()})
	}
	if !em.doneSent {
		stop := parley.StopStop
		if err != nil {
			stop = parley.StopError
		}
		em.send(parley.StreamEvent{Type: parley.EventDone, StopReason: stop})
	}
}

// runStrategies walks the capability-based fallback chain: tool-aware wire
// streaming, then structured message streaming, then plain text. A
// strategy that fails before producing any output falls through; a
// mid-stream failure after output is surfaced to the caller.
func (m *Manager) runStrategies(ctx context.Context, req parley.StreamRequest, em *emitter) error {
	caps := req.Provider.Capabilities()
	if req.Capabilities != nil {
		caps = *req.Capabilities
	}
	provReq := parley.Request{
		SystemPrompt: req.SystemPrompt,
		History:      req.History,
		Tools:        req.Tools,
	}

	if caps.ToolStreaming {
		err := m.runWire(ctx, req, provReq, em)
		if err == nil || em.produced() || ctx.Err() != nil {
			return err
		}
		m.cfg.Logger.Warn("tool streaming failed, falling back",
			"conversation", req.ConversationID, "error", err)
	}
	if caps.MessageStreaming {
		err := m.runMessages(ctx, req, provReq, em)
		if err == nil || em.produced() || ctx.Err() != nil {
			return err
		}
		m.cfg.Logger.Warn("message streaming failed, falling back",
			"conversation", req.ConversationID, "error", err)
	}
	return m.runText(ctx, req, provReq, em)
}

func (m *Manager) runWire(ctx context.Context, req parley.StreamRequest, provReq parley.Request, em *emitter) error {
	body, err := req.Provider.StreamWire(ctx, provReq)
	if err != nil {
		return err
	}
	defer body.Close()

	parser := &wire.Parser{}
	norm := NewNormalizer(req.ConversationID, req.MessageID, m.cfg.Mode)
	buf := make([]byte, readChunkSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			events, parseErrs := parser.Feed(buf[:n])
			m.emitWire(em, events, parseErrs, norm)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				events, parseErrs := parser.Finish()
				m.emitWire(em, events, parseErrs, norm)
				for _, ev := range norm.Finish() {
					em.relay(ev)
				}
				return nil
			}
			return readErr
		}
	}
}

func (m *Manager) emitWire(em *emitter, events []wire.Event, parseErrs []error, norm *Normalizer) {
	for _, err := range parseErrs {
		// Malformed frames surface as non-terminal error events; the rest
		// of the buffer still parses.
		m.cfg.Logger.Warn("malformed wire frame", "conversation", em.convID, "error", err)
		em.send(parley.StreamEvent{Type: parley.EventError, Err: err.Error()})
	}
	for _, wev := range events {
		for _, ev := range norm.Handle(wev) {
			em.relay(ev)
		}
	}
}

func (m *Manager) runMessages(ctx context.Context, req parley.StreamRequest, provReq parley.Request, em *emitter) error {
	ms, err := req.Provider.StreamMessages(ctx, provReq)
	if err != nil {
		return err
	}
	defer ms.Close()

	sawToolCall := false
	var usage *parley.Usage
	stop := parley.StopStop

	for {
		chunk, err := ms.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		switch {
		case chunk.TextDelta != "":
			em.text(chunk.TextDelta)
		case chunk.ToolCall != nil:
			inv := *chunk.ToolCall
			sawToolCall = true
			em.send(parley.StreamEvent{
				Type:   parley.EventToolCallStart,
				CallID: inv.ID,
				Name:   inv.Name,
			})
			em.send(parley.StreamEvent{
				Type:       parley.EventToolCallComplete,
				CallID:     inv.ID,
				Name:       inv.Name,
				Invocation: &inv,
			})
		default:
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.StopReason != "" {
				stop = chunk.StopReason
			}
		}
	}

	em.flushText()
	if usage != nil {
		em.send(parley.StreamEvent{Type: parley.EventUsage, Usage: usage})
	}
	if sawToolCall && stop == parley.StopStop {
		stop = parley.StopToolUse
	}
	em.send(parley.StreamEvent{Type: parley.EventDone, StopReason: stop})
	return nil
}

func (m *Manager) runText(ctx context.Context, req parley.StreamRequest, provReq parley.Request, em *emitter) error {
	ts, err := req.Provider.StreamText(ctx, provReq)
	if err != nil {
		return err
	}
	defer ts.Close()

	for {
		delta, err := ts.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		em.text(delta)
	}
	em.flushText()
	em.send(parley.StreamEvent{Type: parley.EventDone, StopReason: parley.StopStop})
	return nil
}

// emitter publishes correlated events, coalescing text deltas up to the
// configured threshold. Any buffered text flushes before a non-text event
// so tool and text events are never reordered relative to each other.
type emitter struct {
	ctx       context.Context
	bus       *parley.Bus
	convID    string
	msgID     string
	threshold int

	textBuf  []byte
	count    int
	doneSent bool
}

// produced reports whether anything beyond the Started bracket went out.
func (e *emitter) produced() bool {
	return e.count > 1 || len(e.textBuf) > 0
}

func (e *emitter) text(delta string) {
	if delta == "" {
		return
	}
	e.textBuf = append(e.textBuf, delta...)
	if len(e.textBuf) >= e.threshold {
		e.flushText()
	}
}

func (e *emitter) flushText() {
	if len(e.textBuf) == 0 {
		return
	}
	delta := string(e.textBuf)
	e.textBuf = e.textBuf[:0]
	e.publish(parley.StreamEvent{Type: parley.EventTextDelta, Delta: delta})
}

// relay forwards an already-normalized event through the coalescer.
func (e *emitter) relay(ev parley.StreamEvent) {
	if ev.Type == parley.EventTextDelta {
		e.text(ev.Delta)
		return
	}
	e.send(ev)
}

func (e *emitter) send(ev parley.StreamEvent) {
	if ev.Type != parley.EventTextDelta {
		e.flushText()
	}
	e.publish(ev)
}

func (e *emitter) publish(ev parley.StreamEvent) {
	// A cancelled task must not emit further events.
	if e.ctx.Err() != nil {
		return
	}
	ev.ConversationID = e.convID
	ev.MessageID = e.msgID
	if ev.Type == parley.EventDone {
		e.doneSent = true
	}
	e.count++
	e.bus.Publish(ev)
}
