// Package stream turns wire events into the canonical StreamEvent
// sequence and supervises one background streaming task per conversation.
package stream

import (
	"sort"
	"strings"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/wire"
)

// Mode selects how the normalizer reports in-flight tool calls.
type Mode int

const (
	// ModeNormalized defers all tool-call emission to completion: exactly
	// one ToolCallComplete per call, carrying the full arguments. For
	// consumers that want one complete invocation value per call.
	ModeNormalized Mode = iota
	// ModeRaw emits partial tool calls as they grow: a ToolCallStart plus a
	// preliminary partial ToolCallComplete when the call appears, then a
	// ToolCallDelta per argument fragment. For consumers that render live
	// partial JSON.
	ModeRaw
)

// Normalizer owns the accumulation state for one stream's in-flight tool
// calls, keyed by provider item id. It is exclusively owned by its stream
// task; no locking.
type Normalizer struct {
	conversationID string
	messageID      string
	mode           Mode

	states map[string]*toolState
	order  []string

	sawToolCall bool
	usage       *parley.Usage
	done        bool
}

type toolState struct {
	callID      string
	name        string
	args        strings.Builder
	outputIndex int
}

// NewNormalizer creates a normalizer for one stream.
func NewNormalizer(conversationID, messageID string, mode Mode) *Normalizer {
	return &Normalizer{
		conversationID: conversationID,
		messageID:      messageID,
		mode:           mode,
		states:         make(map[string]*toolState),
	}
}

// Handle consumes one wire event and returns the canonical events it
// produces, in order. Duplicate terminal events and deltas arriving after
// a terminal event are no-ops.
func (n *Normalizer) Handle(ev wire.Event) []parley.StreamEvent {
	if n.done {
		return nil
	}

	switch ev.Type {
	case wire.EventOutputTextDelta:
		if ev.Delta == "" {
			return nil
		}
		return []parley.StreamEvent{n.event(parley.StreamEvent{
			Type:  parley.EventTextDelta,
			Delta: ev.Delta,
		})}

	case wire.EventFunctionCallAdded:
		if _, exists := n.states[ev.ItemID]; exists {
			return nil
		}
		st := &toolState{callID: ev.CallID, name: ev.Name, outputIndex: ev.OutputIndex}
		n.states[ev.ItemID] = st
		n.order = append(n.order, ev.ItemID)
		if n.mode == ModeNormalized {
			return nil
		}
		return []parley.StreamEvent{
			n.event(parley.StreamEvent{
				Type:   parley.EventToolCallStart,
				CallID: st.callID,
				Name:   st.name,
				Index:  st.outputIndex,
			}),
			n.event(parley.StreamEvent{
				Type:   parley.EventToolCallComplete,
				CallID: st.callID,
				Name:   st.name,
				Index:  st.outputIndex,
				Invocation: &parley.ToolInvocation{
					ID:      st.callID,
					Name:    st.name,
					Partial: true,
				},
			}),
		}

	case wire.EventFunctionCallDelta:
		st, exists := n.states[ev.ItemID]
		if !exists {
			// Late delta after the terminal event; tolerated as a no-op.
			return nil
		}
		st.args.WriteString(ev.Delta)
		if n.mode == ModeNormalized {
			return nil
		}
		return []parley.StreamEvent{n.event(parley.StreamEvent{
			Type:      parley.EventToolCallDelta,
			CallID:    st.callID,
			Name:      st.name,
			Index:     st.outputIndex,
			ArgsDelta: ev.Delta,
		})}

	case wire.EventFunctionCallDone:
		// The wire-supplied arguments take precedence over the accumulated
		// fragments when present.
		return n.finalize(ev.ItemID, ev.Arguments)

	case wire.EventOutputItemDone:
		return n.finalize(ev.ItemID, "")

	case wire.EventResponseCompleted:
		if ev.Usage != nil {
			n.usage = ev.Usage
		}
		return n.complete()
	}
	return nil
}

// Finish flushes remaining state for streams that end without an explicit
// completion event. Idempotent.
func (n *Normalizer) Finish() []parley.StreamEvent {
	return n.complete()
}

// finalize closes the tool state for one item id and emits its terminal
// ToolCallComplete. Removing the state makes duplicate terminals no-ops.
func (n *Normalizer) finalize(itemID, arguments string) []parley.StreamEvent {
	st, exists := n.states[itemID]
	if !exists {
		return nil
	}
	delete(n.states, itemID)
	n.sawToolCall = true

	if arguments == "" {
		arguments = st.args.String()
	}
	return []parley.StreamEvent{n.event(parley.StreamEvent{
		Type:   parley.EventToolCallComplete,
		CallID: st.callID,
		Name:   st.name,
		Index:  st.outputIndex,
		Invocation: &parley.ToolInvocation{
			ID:        st.callID,
			Name:      st.name,
			Arguments: arguments,
		},
	})}
}

// complete flushes still-open tool states (a provider may omit explicit
// done events), then emits Usage and the terminal Done.
func (n *Normalizer) complete() []parley.StreamEvent {
	if n.done {
		return nil
	}
	n.done = true

	var events []parley.StreamEvent
	for _, itemID := range n.openByOutputIndex() {
		events = append(events, n.finalize(itemID, "")...)
	}
	if n.usage != nil {
		events = append(events, n.event(parley.StreamEvent{
			Type:  parley.EventUsage,
			Usage: n.usage,
		}))
	}
	stop := parley.StopStop
	if n.sawToolCall {
		stop = parley.StopToolUse
	}
	events = append(events, n.event(parley.StreamEvent{
		Type:       parley.EventDone,
		StopReason: stop,
	}))
	return events
}

func (n *Normalizer) openByOutputIndex() []string {
	open := make([]string, 0, len(n.states))
	for _, itemID := range n.order {
		if _, exists := n.states[itemID]; exists {
			open = append(open, itemID)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return n.states[open[i]].outputIndex < n.states[open[j]].outputIndex
	})
	return open
}

func (n *Normalizer) event(ev parley.StreamEvent) parley.StreamEvent {
	ev.ConversationID = n.conversationID
	ev.MessageID = n.messageID
	return ev
}
