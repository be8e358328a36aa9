package parley

// Event is anything that can be published on the Bus.
type Event interface {
	busEvent()
}

// StreamEventType represents canonical streaming event kinds.
type StreamEventType string

const (
	EventStarted          StreamEventType = "started"
	EventTextDelta        StreamEventType = "text_delta"
	EventToolCallStart    StreamEventType = "toolcall_start"
	EventToolCallDelta    StreamEventType = "toolcall_delta"
	EventToolCallComplete StreamEventType = "toolcall_complete"
	EventUsage            StreamEventType = "usage"
	EventDone             StreamEventType = "done"
	EventError            StreamEventType = "error"
)

// StreamEvent is one canonical streaming update, correlated to the
// conversation and message it belongs to. Events for a stream are emitted
// in the order the wire produced them; EventDone is terminal and appears
// exactly once per stream that runs to completion (cancelled streams go
// silent instead).
type StreamEvent struct {
	Type           StreamEventType
	ConversationID string
	MessageID      string

	// Delta carries text for EventTextDelta.
	Delta string

	// Tool call fields for the toolcall_* events.
	CallID    string
	Name      string
	Index     int
	ArgsDelta string
	// Invocation is set on EventToolCallComplete. Only an invocation with
	// Partial=false may be executed.
	Invocation *ToolInvocation

	Usage      *Usage
	StopReason StopReason
	Err        string
}

func (StreamEvent) busEvent() {}

// ApprovalDecision resolves a pending tool approval request.
type ApprovalDecision struct {
	Approved bool
}

// ToolApprovalRequested asks a listener to approve or decline a tool
// invocation. Response is a one-shot slot: the first decision sent wins,
// and closing the channel without sending counts as cancelled.
type ToolApprovalRequested struct {
	Invocation ToolInvocation
	Response   chan<- ApprovalDecision
}

func (ToolApprovalRequested) busEvent() {}

// ParticipantJoined announces a participant joining a dialogue.
type ParticipantJoined struct {
	ConversationID string
	ParticipantID  string
	DisplayName    string
}

func (ParticipantJoined) busEvent() {}

// ParticipantLeft announces a participant being kicked or removed.
// Kicked participants keep their slot with Active=false; removed
// participants are dropped from the roster entirely.
type ParticipantLeft struct {
	ConversationID string
	ParticipantID  string
	Kicked         bool
}

func (ParticipantLeft) busEvent() {}

// TurnCompleted announces one finished dialogue turn.
type TurnCompleted struct {
	ConversationID string
	ParticipantID  string
	Content        string
	Usage          *Usage
}

func (TurnCompleted) busEvent() {}

// DialogueStopped announces a dialogue reaching its terminal state.
type DialogueStopped struct {
	ConversationID string
	Reason         string
}

func (DialogueStopped) busEvent() {}
