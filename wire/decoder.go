package wire

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/parleyhq/parley"
)

// EventType identifies a decoded wire event.
type EventType int

const (
	EventOutputTextDelta EventType = iota + 1
	EventFunctionCallAdded
	EventFunctionCallDelta
	EventFunctionCallDone
	EventOutputItemDone
	EventResponseCompleted
)

func (t EventType) String() string {
	switch t {
	case EventOutputTextDelta:
		return "output_text_delta"
	case EventFunctionCallAdded:
		return "function_call_added"
	case EventFunctionCallDelta:
		return "function_call_delta"
	case EventFunctionCallDone:
		return "function_call_done"
	case EventOutputItemDone:
		return "output_item_done"
	case EventResponseCompleted:
		return "response_completed"
	default:
		return fmt.Sprintf("wire.EventType(%d)", int(t))
	}
}

// Event is one decoded wire-level protocol event.
type Event struct {
	Type        EventType
	ItemID      string
	CallID      string
	Name        string
	Delta       string
	Arguments   string
	OutputIndex int
	Usage       *parley.Usage
}

// ParseError reports a malformed frame payload. The parser surfaces it and
// keeps going with the next frame.
type ParseError struct {
	Frame  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: malformed frame: %s", e.Reason)
}

// doneSentinel terminates some SSE streams in place of a typed event.
const doneSentinel = "[DONE]"

// DecodeFrame decodes one frame payload. ok is false for payloads that are
// valid but irrelevant to this protocol (unknown event types, non-function
// output items, the [DONE] sentinel).
func DecodeFrame(payload string) (ev Event, ok bool, err error) {
	if payload == doneSentinel {
		return Event{}, false, nil
	}
	if !gjson.Valid(payload) {
		return Event{}, false, &ParseError{Frame: payload, Reason: "invalid JSON"}
	}

	root := gjson.Parse(payload)
	kind := root.Get("type").String()
	if kind == "" {
		return Event{}, false, &ParseError{Frame: payload, Reason: "missing type field"}
	}

	switch kind {
	case "response.output_text.delta":
		return Event{
			Type:        EventOutputTextDelta,
			ItemID:      root.Get("item_id").String(),
			Delta:       root.Get("delta").String(),
			OutputIndex: int(root.Get("output_index").Int()),
		}, true, nil

	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return Event{}, false, nil
		}
		name := item.Get("name").String()
		if name == "" {
			return Event{}, false, &ParseError{Frame: payload, Reason: "function_call item without name"}
		}
		return Event{
			Type:        EventFunctionCallAdded,
			ItemID:      item.Get("id").String(),
			CallID:      item.Get("call_id").String(),
			Name:        name,
			OutputIndex: int(root.Get("output_index").Int()),
		}, true, nil

	case "response.function_call_arguments.delta":
		return Event{
			Type:        EventFunctionCallDelta,
			ItemID:      root.Get("item_id").String(),
			Delta:       root.Get("delta").String(),
			OutputIndex: int(root.Get("output_index").Int()),
		}, true, nil

	case "response.function_call_arguments.done":
		return Event{
			Type:        EventFunctionCallDone,
			ItemID:      root.Get("item_id").String(),
			Arguments:   root.Get("arguments").String(),
			OutputIndex: int(root.Get("output_index").Int()),
		}, true, nil

	case "response.output_item.done":
		item := root.Get("item")
		return Event{
			Type:        EventOutputItemDone,
			ItemID:      item.Get("id").String(),
			OutputIndex: int(root.Get("output_index").Int()),
		}, true, nil

	case "response.completed":
		ev := Event{Type: EventResponseCompleted}
		if usage := root.Get("response.usage"); usage.Exists() {
			ev.Usage = &parley.Usage{
				PromptTokens:     int(usage.Get("input_tokens").Int()),
				CompletionTokens: int(usage.Get("output_tokens").Int()),
				TotalTokens:      int(usage.Get("total_tokens").Int()),
			}
			if ev.Usage.TotalTokens == 0 {
				ev.Usage.TotalTokens = ev.Usage.PromptTokens + ev.Usage.CompletionTokens
			}
		}
		return ev, true, nil

	default:
		// Unknown event kinds are forward-compatibility noise.
		return Event{}, false, nil
	}
}

// Parser combines frame extraction and payload decoding. The zero value is
// ready to use.
type Parser struct {
	frames FrameReader
}

// Feed consumes one byte chunk and returns the wire events completed by it
// along with any parse errors. Malformed frames never abort the rest of
// the buffer.
func (p *Parser) Feed(chunk []byte) ([]Event, []error) {
	return p.decodeAll(p.frames.Feed(chunk))
}

// Finish drains any buffered trailing frame at end of stream.
func (p *Parser) Finish() ([]Event, []error) {
	payload, ok := p.frames.Flush()
	if !ok {
		return nil, nil
	}
	return p.decodeAll([]string{payload})
}

func (p *Parser) decodeAll(payloads []string) ([]Event, []error) {
	var events []Event
	var errs []error
	for _, payload := range payloads {
		ev, ok, err := DecodeFrame(payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, errs
}
