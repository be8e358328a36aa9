package chatcompletion

import (
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/parleyhq/parley"
)

// BuildParams converts a parley request to OpenAI chat completion params.
func BuildParams(req parley.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{}

	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.History {
		switch m := msg.(type) {
		case parley.UserMessage:
			params.Messages = append(params.Messages, convertUserMessage(m))
		case *parley.UserMessage:
			params.Messages = append(params.Messages, convertUserMessage(*m))
		case parley.AssistantMessage:
			params.Messages = append(params.Messages, convertAssistantMessage(m))
		case *parley.AssistantMessage:
			params.Messages = append(params.Messages, convertAssistantMessage(*m))
		case parley.ToolResultMessage:
			params.Messages = append(params.Messages, convertToolResultMessage(m))
		case *parley.ToolResultMessage:
			params.Messages = append(params.Messages, convertToolResultMessage(*m))
		}
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, convertToolSpec(tool))
	}
	if len(params.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String("auto"),
		}
		params.ParallelToolCalls = openai.Bool(true)
	}

	return params
}

func convertUserMessage(m parley.UserMessage) openai.ChatCompletionMessageParamUnion {
	return openai.UserMessage(textOfParts(m.Parts))
}

func convertAssistantMessage(m parley.AssistantMessage) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{
		Role: "assistant",
	}

	var text strings.Builder
	var toolCalls []openai.ChatCompletionMessageToolCallUnionParam

	for _, part := range m.Parts {
		switch p := part.(type) {
		case parley.TextPart:
			text.WriteString(p.Text)
		case *parley.TextPart:
			text.WriteString(p.Text)
		case parley.ToolCallPart:
			toolCalls = append(toolCalls, convertToolCallPart(p))
		case *parley.ToolCallPart:
			toolCalls = append(toolCalls, convertToolCallPart(*p))
		}
	}

	if text.Len() > 0 {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(text.String()),
		}
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func convertToolCallPart(p parley.ToolCallPart) openai.ChatCompletionMessageToolCallUnionParam {
	return openai.ChatCompletionMessageToolCallUnionParam{
		OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
			ID: p.CallID,
			Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
				Name:      p.Name,
				Arguments: string(p.ArgsJSON),
			},
		},
	}
}

func convertToolResultMessage(m parley.ToolResultMessage) openai.ChatCompletionMessageParamUnion {
	content := textOfParts(m.Parts)
	if content == "" {
		content = "tool ran without output"
	}
	return openai.ToolMessage(content, m.CallID)
}

func convertToolSpec(spec parley.ToolSpec) openai.ChatCompletionToolUnionParam {
	return openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
		Name:        spec.Name,
		Description: openai.String(spec.Description),
		Parameters:  shared.FunctionParameters(spec.Parameters),
	})
}

func textOfParts(parts []parley.Part) string {
	var b strings.Builder
	for _, part := range parts {
		switch p := part.(type) {
		case parley.TextPart:
			b.WriteString(p.Text)
		case *parley.TextPart:
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
