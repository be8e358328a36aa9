// Package responses implements a provider over OpenAI-compatible
// Responses endpoints. Unlike the structured adapters it exposes the raw
// server-sent-event body, so the wire parser sees live tool-call
// argument fragments instead of assembled invocations.
package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/providers/base"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the Responses API provider.
type Config struct {
	base.Config

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
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

// WithExtraHeader adds a custom header to requests.
func WithExtraHeader(key, value string) Option {
	return func(c *Config) {
		if c.ExtraHeaders == nil {
			c.ExtraHeaders = make(map[string]string)
		}
		c.ExtraHeaders[key] = value
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// New creates a Provider using an OpenAI-compatible Responses API.
// It reads OPENAI_API_KEY and OPENAI_BASE_URL from environment if not
// explicitly set.
func New(model string, opts ...Option) parley.Provider {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "OPENAI_API_KEY", "OPENAI_BASE_URL")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &provider{model: model, cfg: cfg}
}

type provider struct {
	model string
	cfg   Config
}

func (p *provider) Name() string { return "responses/" + p.model }

func (p *provider) Capabilities() parley.Capabilities {
	return parley.Capabilities{ToolStreaming: true, MessageStreaming: false}
}

func (p *provider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	body, err := json.Marshal(p.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("responses: encode request: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("responses: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

func (p *provider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	return nil, parley.ErrUnsupported
}

func (p *provider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	return nil, parley.ErrUnsupported
}

func (p *provider) buildBody(req parley.Request) map[string]any {
	body := map[string]any{
		"model":  p.model,
		"stream": true,
		"input":  buildInput(req.History),
	}
	if req.SystemPrompt != "" {
		body["instructions"] = req.SystemPrompt
	}
	if p.cfg.MaxOutputTokens != nil {
		body["max_output_tokens"] = *p.cfg.MaxOutputTokens
	}
	if p.cfg.Temperature != nil {
		body["temperature"] = *p.cfg.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		body["tools"] = tools
		body["parallel_tool_calls"] = true
	}
	return body
}

func buildInput(history []parley.Message) []map[string]any {
	items := make([]map[string]any, 0, len(history))
	for _, msg := range history {
		switch m := msg.(type) {
		case parley.UserMessage:
			items = append(items, map[string]any{"role": "user", "content": textOfParts(m.Parts)})
		case *parley.UserMessage:
			items = append(items, map[string]any{"role": "user", "content": textOfParts(m.Parts)})
		case parley.AssistantMessage:
			items = append(items, convertAssistantMessage(m)...)
		case *parley.AssistantMessage:
			items = append(items, convertAssistantMessage(*m)...)
		case parley.ToolResultMessage:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": m.CallID,
				"output":  textOfParts(m.Parts),
			})
		case *parley.ToolResultMessage:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": m.CallID,
				"output":  textOfParts(m.Parts),
			})
		}
	}
	return items
}

func convertAssistantMessage(m parley.AssistantMessage) []map[string]any {
	var items []map[string]any
	text := ""
	for _, part := range m.Parts {
		switch p := part.(type) {
		case parley.TextPart:
			text += p.Text
		case *parley.TextPart:
			text += p.Text
		case parley.ToolCallPart:
			items = append(items, convertToolCallPart(p))
		case *parley.ToolCallPart:
			items = append(items, convertToolCallPart(*p))
		}
	}
	if text != "" {
		items = append([]map[string]any{{"role": "assistant", "content": text}}, items...)
	}
	return items
}

func convertToolCallPart(p parley.ToolCallPart) map[string]any {
	args := string(p.ArgsJSON)
	if args == "" {
		args = "{}"
	}
	return map[string]any{
		"type":      "function_call",
		"call_id":   p.CallID,
		"name":      p.Name,
		"arguments": args,
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
