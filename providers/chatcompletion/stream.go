package chatcompletion

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/providers/base"
)

// Stream implements parley.MessageStream for the Chat Completions API.
// Text deltas pass through as they arrive; tool-call argument fragments
// accumulate per index and surface as complete invocations at stream end.
type Stream struct {
	providerName string
	modelName    string
	stream       *ssestream.Stream[openai.ChatCompletionChunk]
	debug        *base.DebugLogger

	mu sync.Mutex

	done bool
	err  error

	pending []parley.MessageChunk

	toolCalls map[int]*toolCallAccumulator

	stopReason parley.StopReason
	usage      *parley.Usage
}

type toolCallAccumulator struct {
	id      string
	name    string
	argsStr string
}

func NewStream(
	providerName string,
	modelName string,
	stream *ssestream.Stream[openai.ChatCompletionChunk],
	debug *base.DebugLogger,
) *Stream {
	return &Stream{
		providerName: providerName,
		modelName:    modelName,
		stream:       stream,
		debug:        debug,
		toolCalls:    make(map[int]*toolCallAccumulator),
	}
}

func (s *Stream) Next(ctx context.Context) (parley.MessageChunk, error) {
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

		chunk := s.stream.Current()
		s.processChunk(chunk)
		if len(s.pending) > 0 {
			return s.dequeue()
		}
	}
}

func (s *Stream) Close() error {
	if s.debug != nil {
		_ = s.debug.Close()
	}
	return s.stream.Close()
}

func (s *Stream) enqueue(c parley.MessageChunk) {
	s.pending = append(s.pending, c)
}

func (s *Stream) dequeue() (parley.MessageChunk, error) {
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *Stream) processChunk(chunk openai.ChatCompletionChunk) {
	if s.debug != nil {
		rec := base.NewDebugRecord("chunk", chunk.RawJSON())
		rec.Provider = s.providerName
		rec.Model = s.modelName
		_ = s.debug.Log(rec)
	}

	if chunk.Usage.TotalTokens > 0 {
		s.usage = &parley.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if choice.FinishReason != "" {
		s.stopReason = mapFinishReason(string(choice.FinishReason))
	}

	// Text (may be interleaved with tool calls in the same chunk)
	if delta.Content != "" {
		s.enqueue(parley.MessageChunk{TextDelta: delta.Content})
	}

	for _, tc := range delta.ToolCalls {
		idx := int(tc.Index)
		if _, exists := s.toolCalls[idx]; !exists {
			s.toolCalls[idx] = &toolCallAccumulator{}
		}
		acc := s.toolCalls[idx]
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			acc.argsStr += tc.Function.Arguments
		}
	}
}

// finalize flushes complete tool calls (stable by tool index) followed by
// the terminal usage/stop chunk.
func (s *Stream) finalize() {
	s.done = true

	if s.stopReason == "" {
		s.stopReason = parley.StopStop
	}

	if len(s.toolCalls) > 0 {
		idxs := make([]int, 0, len(s.toolCalls))
		for idx := range s.toolCalls {
			idxs = append(idxs, idx)
		}
		sort.Ints(idxs)
		emitted := false
		for _, idx := range idxs {
			acc := s.toolCalls[idx]
			if acc == nil || acc.id == "" || acc.name == "" {
				continue
			}
			args := acc.argsStr
			if args == "" {
				args = "{}"
			}
			s.enqueue(parley.MessageChunk{ToolCall: &parley.ToolInvocation{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: args,
			}})
			emitted = true
		}
		if emitted {
			s.stopReason = parley.StopToolUse
		}
	}

	s.enqueue(parley.MessageChunk{Usage: s.usage, StopReason: s.stopReason})
}

func mapFinishReason(reason string) parley.StopReason {
	switch reason {
	case "stop":
		return parley.StopStop
	case "length":
		return parley.StopLength
	case "tool_calls":
		return parley.StopToolUse
	default:
		return parley.StopStop
	}
}

var _ parley.MessageStream = (*Stream)(nil)
