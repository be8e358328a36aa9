package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/stream"
)

// pauseProbe bounds how long a paused loop waits before rechecking state.
const pauseProbe = 50 * time.Millisecond

// Loop drives a dialogue: it resolves the next speaker, opens a stream
// through the manager, folds the text deltas into the turn content, and
// advances. The loop only consumes events; it performs no blocking work
// of its own beyond waiting on the bus.
type Loop struct {
	ctrl   *Controller
	mgr    *stream.Manager
	bus    *parley.Bus
	logger *slog.Logger

	// MaxTurns stops the dialogue after that many turns when positive.
	MaxTurns int
}

// NewLoop creates a dialogue loop over an already-started controller.
func NewLoop(ctrl *Controller, mgr *stream.Manager, bus *parley.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{ctrl: ctrl, mgr: mgr, bus: bus, logger: logger}
}

// Run executes turns until the dialogue stops, MaxTurns is reached, or
// ctx is cancelled. Stopping via ctx does not mark the dialogue stopped;
// it can be resumed by calling Run again.
func (l *Loop) Run(ctx context.Context) error {
	events, cancel := l.bus.Subscribe(128)
	defer cancel()

	turns := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.MaxTurns > 0 && turns >= l.MaxTurns {
			l.ctrl.Stop("turn limit reached")
			return nil
		}

		switch l.ctrl.State() {
		case StateStopped:
			return nil
		case StatePaused, StateIdle:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseProbe):
			}
			continue
		}

		tc, ok := l.ctrl.BeginTurn()
		if !ok {
			continue
		}
		if err := l.runTurn(ctx, tc, events); err != nil {
			return err
		}
		turns++
	}
}

func (l *Loop) runTurn(ctx context.Context, tc TurnContext, events <-chan parley.Event) error {
	p := tc.Participant
	h, err := l.mgr.Start(ctx, parley.StreamRequest{
		ConversationID: l.ctrl.ConversationID(),
		Provider:       p.Provider,
		SystemPrompt:   p.SystemPrompt,
		History:        tc.Messages,
	})
	if err != nil {
		return err
	}

	var content strings.Builder
	var usage *parley.Usage

	for {
		select {
		case <-ctx.Done():
			l.mgr.Cancel(l.ctrl.ConversationID())
			return ctx.Err()
		case <-h.Done():
			// The task has exited; its events may still sit in the
			// subscriber buffer. Drain them, then decide: a terminal Done
			// records the turn, a silent exit (cancelled or superseded
			// stream) drops it.
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if l.handleEvent(ev, h.MessageID, &content, &usage, p.ID) {
						return nil
					}
				default:
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if l.handleEvent(ev, h.MessageID, &content, &usage, p.ID) {
				return nil
			}
		}
	}
}

// handleEvent folds one bus event into the turn. Returns true once the
// turn is complete and recorded.
func (l *Loop) handleEvent(ev parley.Event, messageID string, content *strings.Builder, usage **parley.Usage, participantID string) bool {
	se, isStream := ev.(parley.StreamEvent)
	if !isStream || se.MessageID != messageID {
		return false
	}
	switch se.Type {
	case parley.EventTextDelta:
		content.WriteString(se.Delta)
	case parley.EventUsage:
		*usage = se.Usage
	case parley.EventError:
		l.logger.Warn("stream error during dialogue turn",
			"participant", participantID, "error", se.Err)
	case parley.EventDone:
		l.ctrl.RecordTurn(Turn{
			ParticipantID: participantID,
			Content:       content.String(),
			Usage:         *usage,
		})
		l.ctrl.AdvanceTurn()
		return true
	}
	return false
}
