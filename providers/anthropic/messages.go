// Package anthropic implements a provider over the Anthropic Messages
// API. Tool input arrives as partial JSON deltas per content block; the
// stream assembles each block into a complete invocation when the block
// closes.
package anthropic

import (
	"context"
	"encoding/json"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/providers/base"
)

const defaultMaxTokens = 8192

// Config configures the Anthropic Messages provider.
type Config struct {
	base.Config
}

// Option is a functional option for this provider.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithTemperature sets the temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = &t }
}

// WithMaxOutputTokens sets the max output tokens.
func WithMaxOutputTokens(n int) Option {
	return func(c *Config) { c.MaxOutputTokens = &n }
}

// WithDebug enables JSONL debug logging to the specified file path.
func WithDebug(path string) Option {
	return func(c *Config) { c.DebugPath = path }
}

// New creates a Provider using the Anthropic Messages API.
// The SDK reads ANTHROPIC_API_KEY from environment when no key is set.
func New(model string, opts ...Option) parley.Provider {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)
	return &provider{model: model, cfg: cfg, client: client}
}

type provider struct {
	model  string
	cfg    Config
	client anthropic.Client
}

func (p *provider) Name() string { return "anthropic/" + p.model }

func (p *provider) Capabilities() parley.Capabilities {
	return parley.Capabilities{MessageStreaming: true}
}

func (p *provider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	return nil, parley.ErrUnsupported
}

func (p *provider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	params := buildParams(p.model, p.cfg, req)

	debug, err := base.NewDebugLogger(p.cfg.DebugPath)
	if err != nil {
		return nil, err
	}
	if debug != nil {
		rec := base.NewDebugRecord("request", params)
		rec.Provider = "anthropic"
		rec.Model = p.model
		_ = debug.Log(rec)
	}

	raw := p.client.Messages.NewStreaming(ctx, params)
	return newStream(p.model, raw, debug), nil
}

func (p *provider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	ms, err := p.StreamMessages(ctx, req)
	if err != nil {
		return nil, err
	}
	return parley.TextOnly(ms), nil
}

func buildParams(model string, cfg Config, req parley.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages:  buildMessages(req.History),
	}
	if cfg.MaxOutputTokens != nil {
		params.MaxTokens = int64(*cfg.MaxOutputTokens)
	}
	if cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*cfg.Temperature)
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, convertToolSpec(tool))
	}
	return params
}

func buildMessages(history []parley.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		switch m := msg.(type) {
		case parley.UserMessage:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(textOfParts(m.Parts))))
		case *parley.UserMessage:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(textOfParts(m.Parts))))
		case parley.AssistantMessage:
			out = append(out, convertAssistantMessage(m))
		case *parley.AssistantMessage:
			out = append(out, convertAssistantMessage(*m))
		case parley.ToolResultMessage:
			out = append(out, convertToolResultMessage(m))
		case *parley.ToolResultMessage:
			out = append(out, convertToolResultMessage(*m))
		}
	}
	return out
}

func convertAssistantMessage(m parley.AssistantMessage) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range m.Parts {
		switch p := part.(type) {
		case parley.TextPart:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case *parley.TextPart:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case parley.ToolCallPart:
			blocks = append(blocks, convertToolCallPart(p))
		case *parley.ToolCallPart:
			blocks = append(blocks, convertToolCallPart(*p))
		}
	}
	return anthropic.NewAssistantMessage(blocks...)
}

func convertToolCallPart(p parley.ToolCallPart) anthropic.ContentBlockParamUnion {
	return anthropic.ContentBlockParamUnion{
		OfToolUse: &anthropic.ToolUseBlockParam{
			ID:    p.CallID,
			Name:  p.Name,
			Input: json.RawMessage(p.ArgsJSON),
		},
	}
}

// Tool results travel as user-role content blocks on this API.
func convertToolResultMessage(m parley.ToolResultMessage) anthropic.MessageParam {
	return anthropic.NewUserMessage(
		anthropic.NewToolResultBlock(m.CallID, textOfParts(m.Parts), m.IsError),
	)
}

func convertToolSpec(spec parley.ToolSpec) anthropic.ToolUnionParam {
	required, _ := spec.Parameters["required"].([]string)
	if required == nil {
		if raw, ok := spec.Parameters["required"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: spec.Parameters["properties"],
				Required:   required,
			},
		},
	}
}

func textOfParts(parts []parley.Part) string {
	text := ""
	for _, part := range parts {
		switch p := part.(type) {
		case parley.TextPart:
			text += p.Text
		case *parley.TextPart:
			text += p.Text
		}
	}
	return text
}
