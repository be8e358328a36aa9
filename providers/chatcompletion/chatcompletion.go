// Package chatcompletion implements a provider over OpenAI-compatible
// Chat Completions endpoints. Tool calls arrive as indexed argument
// fragments and are assembled into complete invocations before they are
// handed to the caller, so the stream carries structured messages, not
// raw wire events.
package chatcompletion

import (
	"context"
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/parleyhq/parley"
	"github.com/parleyhq/parley/providers/base"
)

// Config configures the Chat Completions provider.
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

// WithExtraHeader adds a custom header to requests.
func WithExtraHeader(key, value string) Option {
	return func(c *Config) {
		if c.ExtraHeaders == nil {
			c.ExtraHeaders = make(map[string]string)
		}
		c.ExtraHeaders[key] = value
	}
}

// New creates a Provider using an OpenAI-compatible Chat Completions API.
// It reads OPENAI_API_KEY and OPENAI_BASE_URL from environment if not
// explicitly set.
func New(model string, opts ...Option) parley.Provider {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base.ApplyEnvDefaults(&cfg.Config, "OPENAI_API_KEY", "OPENAI_BASE_URL")

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.ExtraHeaders {
		clientOpts = append(clientOpts, option.WithHeader(k, v))
	}
	client := openai.NewClient(clientOpts...)
	return &provider{model: model, cfg: cfg, client: client}
}

type provider struct {
	model  string
	cfg    Config
	client openai.Client
}

func (p *provider) Name() string { return "chatcompletion/" + p.model }

func (p *provider) Capabilities() parley.Capabilities {
	return parley.Capabilities{MessageStreaming: true}
}

func (p *provider) StreamWire(ctx context.Context, req parley.Request) (io.ReadCloser, error) {
	return nil, parley.ErrUnsupported
}

func (p *provider) StreamMessages(ctx context.Context, req parley.Request) (parley.MessageStream, error) {
	params := BuildParams(req)
	params.Model = p.model

	if p.cfg.Temperature != nil {
		params.Temperature = openai.Float(*p.cfg.Temperature)
	}
	if p.cfg.MaxOutputTokens != nil {
		params.MaxTokens = openai.Int(int64(*p.cfg.MaxOutputTokens))
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	debug, err := base.NewDebugLogger(p.cfg.DebugPath)
	if err != nil {
		return nil, err
	}
	if debug != nil {
		rec := base.NewDebugRecord("request", params)
		rec.Provider = "chatcompletion"
		rec.Model = p.model
		_ = debug.Log(rec)
	}

	raw := p.client.Chat.Completions.NewStreaming(ctx, params)
	return NewStream("chatcompletion", p.model, raw, debug), nil
}

func (p *provider) StreamText(ctx context.Context, req parley.Request) (parley.TextStream, error) {
	ms, err := p.StreamMessages(ctx, req)
	if err != nil {
		return nil, err
	}
	return parley.TextOnly(ms), nil
}
