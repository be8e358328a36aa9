package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley"
)

func newTestController(t *testing.T, ids ...string) (*Controller, *parley.Bus) {
	t.Helper()
	bus := parley.NewBus()
	t.Cleanup(bus.Close)
	c := NewController("conv-test", bus, nil)
	for _, id := range ids {
		_, err := c.Join(Participant{ID: id, DisplayName: "Agent " + id})
		require.NoError(t, err)
	}
	return c, bus
}

func TestStartRequiresTwoActiveParticipants(t *testing.T) {
	c, _ := newTestController(t, "a")
	assert.ErrorIs(t, c.Start(""), ErrNotEnoughParticipants)

	_, err := c.Join(Participant{ID: "b"})
	require.NoError(t, err)
	require.NoError(t, c.Start(""))
	assert.Equal(t, StateWaitingNext, c.State())
}

func TestStartTwiceFails(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	require.NoError(t, c.Start(""))
	assert.ErrorIs(t, c.Start(""), ErrAlreadyStarted)
}

func TestJoinAssignsIDWhenEmpty(t *testing.T) {
	c, _ := newTestController(t)
	id, err := c.Join(Participant{DisplayName: "Anon"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestPauseResumeLifecycle(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	require.NoError(t, c.Start(""))

	c.Pause()
	assert.Equal(t, StatePaused, c.State())
	_, ok := c.BeginTurn()
	assert.False(t, ok, "paused dialogue must not begin turns")

	c.Resume()
	assert.Equal(t, StateWaitingNext, c.State())

	c.Stop("test over")
	assert.Equal(t, StateStopped, c.State())
	c.Resume()
	assert.Equal(t, StateStopped, c.State(), "stopped is terminal")
	assert.ErrorIs(t, c.Start(""), ErrStopped)
}

func TestRoundRobinSkipsInactive(t *testing.T) {
	c, _ := newTestController(t, "a", "b", "c")
	require.NoError(t, c.Start(""))

	p, ok := c.NextParticipant()
	require.True(t, ok)
	assert.Equal(t, "a", p.ID)

	c.AdvanceTurn()
	p, _ = c.NextParticipant()
	assert.Equal(t, "b", p.ID)

	require.NoError(t, c.Kick("c"))
	c.AdvanceTurn()
	p, _ = c.NextParticipant()
	assert.Equal(t, "a", p.ID, "kicked participant must be skipped, wrapping")
}

func TestKickRetainsHistoryAndSlot(t *testing.T) {
	c, _ := newTestController(t, "a", "b", "c")
	require.NoError(t, c.Start(""))
	c.RecordTurn(Turn{ParticipantID: "c", Content: "before kick"})

	require.NoError(t, c.Kick("c"))
	assert.Len(t, c.History(), 1)

	// Another participant still sees c's turn, attributed by name.
	msgs := c.ContextFor("a")
	require.Len(t, msgs, 1)
	user, ok := msgs[0].(parley.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "[Agent c] before kick", textOf(user.Parts))
}

func TestKickUnknownParticipant(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	assert.ErrorIs(t, c.Kick("ghost"), ErrUnknownParticipant)
	assert.ErrorIs(t, c.Remove("ghost"), ErrUnknownParticipant)
}

func TestAllParticipantsGoneForcesStop(t *testing.T) {
	c, bus := newTestController(t, "a", "b")
	events, cancel := bus.Subscribe(16)
	defer cancel()
	require.NoError(t, c.Start(""))

	require.NoError(t, c.Kick("a"))
	assert.Equal(t, StateWaitingNext, c.State())

	require.NoError(t, c.Kick("b"))
	assert.Equal(t, StateStopped, c.State())

	var stopped bool
	for i := 0; i < 4; i++ {
		if e, ok := (<-events).(parley.DialogueStopped); ok {
			stopped = true
			assert.Equal(t, "no active participants", e.Reason)
			break
		}
	}
	assert.True(t, stopped, "expected DialogueStopped on bus")
}

func TestContextForMapsRolesAndPrefixes(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	require.NoError(t, c.Start(""))
	c.RecordTurn(Turn{ParticipantID: "a", Content: "hello from a"})
	c.RecordTurn(Turn{ParticipantID: "b", Content: "hello from b"})

	msgs := c.ContextFor("a")
	require.Len(t, msgs, 2)

	own, ok := msgs[0].(parley.AssistantMessage)
	require.True(t, ok, "own turn must map to assistant role")
	assert.Equal(t, "hello from a", textOf(own.Parts))

	other, ok := msgs[1].(parley.UserMessage)
	require.True(t, ok, "other turns must map to user role")
	assert.Equal(t, "[Agent b] hello from b", textOf(other.Parts))

	// The same history reads inverted from b's seat.
	msgs = c.ContextFor("b")
	_, ok = msgs[0].(parley.UserMessage)
	assert.True(t, ok)
	_, ok = msgs[1].(parley.AssistantMessage)
	assert.True(t, ok)
}

func TestInjectedMessagesAppendUndrained(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	require.NoError(t, c.Start(""))
	c.InjectUserMessage("moderator note")

	msgs := c.ContextFor("a")
	require.Len(t, msgs, 1)
	user, ok := msgs[0].(parley.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "moderator note", textOf(user.Parts))

	// ContextFor does not drain; a second read still sees it.
	assert.Len(t, c.ContextFor("b"), 1)
}

func TestBeginTurnDrainsPending(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	require.NoError(t, c.Start("opening prompt"))

	tc, ok := c.BeginTurn()
	require.True(t, ok)
	assert.Equal(t, "a", tc.Participant.ID)
	require.Len(t, tc.Messages, 1)
	assert.Equal(t, "opening prompt", textOf(tc.Messages[0].(parley.UserMessage).Parts))

	// Drained: the next turn does not see it again.
	c.AdvanceTurn()
	tc, ok = c.BeginTurn()
	require.True(t, ok)
	assert.Equal(t, "b", tc.Participant.ID)
	assert.Empty(t, tc.Messages)
}

func TestRemoveDropsSlotButKeepsName(t *testing.T) {
	c, _ := newTestController(t, "a", "b", "c")
	require.NoError(t, c.Start(""))
	c.RecordTurn(Turn{ParticipantID: "b", Content: "parting words"})

	require.NoError(t, c.Remove("b"))

	msgs := c.ContextFor("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "[Agent b] parting words", textOf(msgs[0].(parley.UserMessage).Parts))
}

func TestRemoveBelowPointerKeepsNextSpeaker(t *testing.T) {
	c, _ := newTestController(t, "a", "b", "c")
	require.NoError(t, c.Start(""))

	c.AdvanceTurn()
	p, ok := c.NextParticipant()
	require.True(t, ok)
	require.Equal(t, "b", p.ID)

	// Dropping a's slot shifts the roster left; b is still next.
	require.NoError(t, c.Remove("a"))
	p, ok = c.NextParticipant()
	require.True(t, ok)
	assert.Equal(t, "b", p.ID)

	c.AdvanceTurn()
	p, _ = c.NextParticipant()
	assert.Equal(t, "c", p.ID)
}

func TestHistoryReturnsCopy(t *testing.T) {
	c, _ := newTestController(t, "a", "b")
	c.RecordTurn(Turn{ParticipantID: "a", Content: "x"})

	h := c.History()
	h[0].Content = "mutated"
	assert.Equal(t, "x", c.History()[0].Content)
}

func textOf(parts []parley.Part) string {
	text := ""
	for _, p := range parts {
		if tp, ok := p.(parley.TextPart); ok {
			text += tp.Text
		}
	}
	return text
}
