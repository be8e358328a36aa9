package parley

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalMessageRoundTripsConcreteTypes(t *testing.T) {
	original := AssistantMessage{
		Parts: []Part{
			TextPart{Text: "let me check"},
			ToolCallPart{CallID: "call_1", Name: "get_weather", ArgsJSON: json.RawMessage(`{"city":"Paris"}`)},
		},
		Usage:      &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		StopReason: StopToolUse,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(data)
	require.NoError(t, err)
	msg, ok := decoded.(AssistantMessage)
	require.True(t, ok, "role tag must select the concrete type")

	require.Len(t, msg.Parts, 2)
	assert.Equal(t, TextPart{Text: "let me check"}, msg.Parts[0])
	call, ok := msg.Parts[1].(ToolCallPart)
	require.True(t, ok)
	assert.Equal(t, "call_1", call.CallID)
	assert.JSONEq(t, `{"city":"Paris"}`, string(call.ArgsJSON))
	assert.Equal(t, StopToolUse, msg.StopReason)
	require.NotNil(t, msg.Usage)
	assert.Equal(t, 15, msg.Usage.TotalTokens)
}

func TestUnmarshalMessageSelectsByRole(t *testing.T) {
	decoded, err := UnmarshalMessage([]byte(`{"role":"user","parts":[{"type":"text","text":"hi"}]}`))
	require.NoError(t, err)
	_, ok := decoded.(UserMessage)
	assert.True(t, ok)

	decoded, err = UnmarshalMessage([]byte(`{"role":"tool","call_id":"c1","name":"ls","is_error":true}`))
	require.NoError(t, err)
	tool, ok := decoded.(ToolResultMessage)
	require.True(t, ok)
	assert.Equal(t, "c1", tool.CallID)
	assert.True(t, tool.IsError)
}

func TestUnmarshalMessageRejectsUnknownRole(t *testing.T) {
	_, err := UnmarshalMessage([]byte(`{"role":"narrator"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestUnmarshalPartRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalPart([]byte(`{"type":"hologram"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown part type")
}
