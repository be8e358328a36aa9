package anthropic

import (
	"context"
	"io"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/providers/base"
)

type stream struct {
	modelName string
	stream    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	debug     *base.DebugLogger

	mu sync.Mutex

	done bool
	err  error

	pending []parley.MessageChunk

	msg      anthropic.Message
	partials map[int64]*toolUseAccumulator
}

type toolUseAccumulator struct {
	id      string
	name    string
	argsStr string
}

func newStream(modelName string, raw *ssestream.Stream[anthropic.MessageStreamEventUnion], debug *base.DebugLogger) *stream {
	return &stream{
		modelName: modelName,
		stream:    raw,
		debug:     debug,
		partials:  make(map[int64]*toolUseAccumulator),
	}
}

func (s *stream) Next(ctx context.Context) (parley.MessageChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		return s.dequeue()
	}
	if s.done {
		return parley.MessageChunk{}, io.EOF
	}
	if s.err != nil {
		return parley.MessageChunk{}, s.err
	}

	for {
		if err := ctx.Err(); err != nil {
			return parley.MessageChunk{}, err
		}

		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.err = err
				return parley.MessageChunk{}, s.err
			}
			s.finalize()
			if len(s.pending) > 0 {
				return s.dequeue()
			}
			return parley.MessageChunk{}, io.EOF
		}

		event := s.stream.Current()
		if err := s.msg.Accumulate(event); err != nil {
			s.err = err
			return parley.MessageChunk{}, s.err
		}
		s.processEvent(event)
		if len(s.pending) > 0 {
			return s.dequeue()
		}
	}
}

func (s *stream) Close() error {
	if s.debug != nil {
		_ = s.debug.Close()
	}
	return s.stream.Close()
}

func (s *stream) enqueue(c parley.MessageChunk) {
	s.pending = append(s.pending, c)
}

func (s *stream) dequeue() (parley.MessageChunk, error) {
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *stream) processEvent(event anthropic.MessageStreamEventUnion) {
	if s.debug != nil {
		rec := base.NewDebugRecord("event", event.RawJSON())
		rec.Provider = "anthropic"
		rec.Model = s.modelName
		_ = s.debug.Log(rec)
	}

	switch variant := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if variant.ContentBlock.Type != "tool_use" {
			return
		}
		s.partials[variant.Index] = &toolUseAccumulator{
			id:   variant.ContentBlock.ID,
			name: variant.ContentBlock.Name,
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				s.enqueue(parley.MessageChunk{TextDelta: delta.Text})
			}
		case anthropic.InputJSONDelta:
			if acc := s.partials[variant.Index]; acc != nil {
				acc.argsStr += delta.PartialJSON
			}
		}

	case anthropic.ContentBlockStopEvent:
		acc := s.partials[variant.Index]
		if acc == nil {
			return
		}
		delete(s.partials, variant.Index)
		args := acc.argsStr
		if args == "" {
			args = "{}"
		}
		s.enqueue(parley.MessageChunk{ToolCall: &parley.ToolInvocation{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: args,
		}})
	}
}

func (s *stream) finalize() {
	s.done = true

	var usage *parley.Usage
	if s.msg.Usage.InputTokens > 0 || s.msg.Usage.OutputTokens > 0 {
		usage = &parley.Usage{
			PromptTokens:     int(s.msg.Usage.InputTokens),
			CompletionTokens: int(s.msg.Usage.OutputTokens),
			TotalTokens:      int(s.msg.Usage.InputTokens + s.msg.Usage.OutputTokens),
		}
	}
	s.enqueue(parley.MessageChunk{
		Usage:      usage,
		StopReason: mapStopReason(s.msg.StopReason),
	})
}

func mapStopReason(reason anthropic.StopReason) parley.StopReason {
	switch reason {
	case anthropic.StopReasonMaxTokens:
		return parley.StopLength
	case anthropic.StopReasonToolUse:
		return parley.StopToolUse
	default:
		return parley.StopStop
	}
}

var _ parley.MessageStream = (*stream)(nil)
