// Package dialogue coordinates round-robin turns across independent model
// participants, each bound to its own provider and system prompt. Every
// participant sees its own prior turns as assistant messages and everyone
// else's as tagged user messages, so each model perceives the others as
// external input to respond to.
package dialogue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/parleyhq/parley"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWaitingNext
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingNext:
		return "waiting_next"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("dialogue.State(%d)", int(s))
	}
}

var (
	// ErrNotEnoughParticipants rejects starting with fewer than two active
	// participants.
	ErrNotEnoughParticipants = errors.New("dialogue: at least two active participants required")
	// ErrAlreadyStarted rejects a second Start.
	ErrAlreadyStarted = errors.New("dialogue: already started")
	// ErrStopped rejects operations on a stopped dialogue.
	ErrStopped = errors.New("dialogue: stopped")
	// ErrUnknownParticipant reports an id not present in the roster.
	ErrUnknownParticipant = errors.New("dialogue: unknown participant")
)

// Participant is one independently configured model in a dialogue.
// Active=false means kicked: turns are skipped but history is retained.
type Participant struct {
	ID           string
	DisplayName  string
	SystemPrompt string
	Binding      string
	Provider     parley.Provider
	Active       bool
}

// Turn is one completed contribution to the dialogue. History is
// append-only.
type Turn struct {
	ParticipantID string
	Content       string
	Usage         *parley.Usage
}

// Controller owns the participant roster, the turn pointer, and the
// dialogue history.
type Controller struct {
	conversationID string
	bus            *parley.Bus
	logger         *slog.Logger

	mu           sync.Mutex
	state        State
	participants []*Participant
	names        map[string]string
	current      int
	history      []Turn
	pending      []string
}

// NewController creates an idle dialogue controller.
func NewController(conversationID string, bus *parley.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		conversationID: conversationID,
		bus:            bus,
		logger:         logger,
		names:          make(map[string]string),
	}
}

// ConversationID returns the dialogue's conversation id.
func (c *Controller) ConversationID() string { return c.conversationID }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join adds a participant and returns its id (assigned when empty).
func (c *Controller) Join(p Participant) (string, error) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return "", ErrStopped
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	p.Active = true
	c.participants = append(c.participants, &p)
	c.names[p.ID] = p.DisplayName
	c.mu.Unlock()

	c.publish(parley.ParticipantJoined{
		ConversationID: c.conversationID,
		ParticipantID:  p.ID,
		DisplayName:    p.DisplayName,
	})
	return p.ID, nil
}

// Kick deactivates a participant. Its history is retained and its roster
// slot stays, but it can no longer be selected for a turn.
func (c *Controller) Kick(id string) error {
	c.mu.Lock()
	p := c.find(id)
	if p == nil {
		c.mu.Unlock()
		return ErrUnknownParticipant
	}
	p.Active = false
	stopped := c.maybeStopLocked()
	c.mu.Unlock()

	c.publish(parley.ParticipantLeft{
		ConversationID: c.conversationID,
		ParticipantID:  id,
		Kicked:         true,
	})
	if stopped {
		c.publishStopped("no active participants")
	}
	return nil
}

// Remove drops the participant record entirely. Its turn history stays in
// place for replay; the display name mapping is kept so old turns still
// render with a name.
func (c *Controller) Remove(id string) error {
	c.mu.Lock()
	idx := -1
	for i, p := range c.participants {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return ErrUnknownParticipant
	}
	c.participants = append(c.participants[:idx], c.participants[idx+1:]...)
	// Removing a slot below the pointer shifts the roster left; follow it
	// so the pointer still names the same next speaker.
	if idx < c.current {
		c.current--
	}
	if c.current >= len(c.participants) {
		c.current = 0
	}
	stopped := c.maybeStopLocked()
	c.mu.Unlock()

	c.publish(parley.ParticipantLeft{
		ConversationID: c.conversationID,
		ParticipantID:  id,
	})
	if stopped {
		c.publishStopped("no active participants")
	}
	return nil
}

// Start moves Idle to WaitingNext. A non-empty initial prompt is queued as
// a pending user message for the first speaker.
func (c *Controller) Start(initialPrompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStopped:
		return ErrStopped
	case StateWaitingNext, StatePaused:
		return ErrAlreadyStarted
	}
	if c.activeCountLocked() < 2 {
		return ErrNotEnoughParticipants
	}
	if initialPrompt != "" {
		c.pending = append(c.pending, initialPrompt)
	}
	c.state = StateWaitingNext
	return nil
}

// Pause suspends turn-taking.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateWaitingNext {
		c.state = StatePaused
	}
}

// Resume continues a paused dialogue.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		c.state = StateWaitingNext
	}
}

// Stop forces the terminal state from any state.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	c.mu.Unlock()
	c.publishStopped(reason)
}

// NextParticipant scans from the current index for the first active
// participant, wrapping once. ok is false when none is active.
func (c *Controller) NextParticipant() (Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.nextLocked()
	if p == nil {
		return Participant{}, false
	}
	return *p, true
}

// AdvanceTurn moves the pointer forward, skipping inactive participants.
// Idempotent when every participant is inactive: the pointer stays put.
func (c *Controller) AdvanceTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.participants)
	if n == 0 {
		return
	}
	for step := 1; step <= n; step++ {
		i := (c.current + step) % n
		if c.participants[i].Active {
			c.current = i
			return
		}
	}
}

// ContextFor reconstructs the chat history as seen by one participant:
// its own turns map to the assistant role, every other participant's turns
// to the user role tagged with a "[Name] " prefix. Queued injected user
// messages follow at the end, undrained.
func (c *Controller) ContextFor(participantID string) []parley.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextLocked(participantID)
}

// RecordTurn appends to the history and announces the completed turn.
func (c *Controller) RecordTurn(t Turn) {
	c.mu.Lock()
	c.history = append(c.history, t)
	c.mu.Unlock()

	c.publish(parley.TurnCompleted{
		ConversationID: c.conversationID,
		ParticipantID:  t.ParticipantID,
		Content:        t.Content,
		Usage:          t.Usage,
	})
}

// InjectUserMessage queues an out-of-band human message, prepended to the
// next participant's context.
func (c *Controller) InjectUserMessage(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, text)
	c.mu.Unlock()
}

// History returns a copy of the append-only turn history.
func (c *Controller) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.history))
	copy(out, c.history)
	return out
}

// TurnContext is everything the loop needs to run one turn.
type TurnContext struct {
	Participant Participant
	Messages    []parley.Message
}

// BeginTurn resolves the next speaker and builds its context, draining any
// queued injected messages into it. ok is false when the dialogue is not
// in WaitingNext or no participant is active.
func (c *Controller) BeginTurn() (TurnContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateWaitingNext {
		return TurnContext{}, false
	}
	p := c.nextLocked()
	if p == nil {
		return TurnContext{}, false
	}
	msgs := c.contextLocked(p.ID)
	c.pending = nil
	return TurnContext{Participant: *p, Messages: msgs}, true
}

func (c *Controller) nextLocked() *Participant {
	n := len(c.participants)
	for step := 0; step < n; step++ {
		p := c.participants[(c.current+step)%n]
		if p.Active {
			return p
		}
	}
	return nil
}

func (c *Controller) contextLocked(participantID string) []parley.Message {
	now := time.Now().UnixMilli()
	msgs := make([]parley.Message, 0, len(c.history)+len(c.pending))
	for _, t := range c.history {
		if t.ParticipantID == participantID {
			msgs = append(msgs, parley.AssistantMessage{
				Parts:     []parley.Part{parley.TextPart{Text: t.Content}},
				Timestamp: now,
				Usage:     t.Usage,
			})
			continue
		}
		name := c.names[t.ParticipantID]
		if name == "" {
			name = t.ParticipantID
		}
		msgs = append(msgs, parley.UserMessage{
			Parts:     []parley.Part{parley.TextPart{Text: "[" + name + "] " + t.Content}},
			Timestamp: now,
		})
	}
	for _, text := range c.pending {
		msgs = append(msgs, parley.UserMessage{
			Parts:     []parley.Part{parley.TextPart{Text: text}},
			Timestamp: now,
		})
	}
	return msgs
}

func (c *Controller) find(id string) *Participant {
	for _, p := range c.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (c *Controller) activeCountLocked() int {
	n := 0
	for _, p := range c.participants {
		if p.Active {
			n++
		}
	}
	return n
}

// maybeStopLocked forces the terminal state when no participant remains
// active. Returns true when the transition happened here.
func (c *Controller) maybeStopLocked() bool {
	if c.state == StateStopped {
		return false
	}
	if c.activeCountLocked() > 0 {
		return false
	}
	c.state = StateStopped
	return true
}

func (c *Controller) publish(ev parley.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Controller) publishStopped(reason string) {
	c.logger.Info("dialogue stopped", "conversation", c.conversationID, "reason", reason)
	c.publish(parley.DialogueStopped{ConversationID: c.conversationID, Reason: reason})
}
