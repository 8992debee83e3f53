package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"waagent/internal/domain"
	"waagent/internal/tool"
)

// Options is everything needed to build the Claude backend.
type Options struct {
	APIKey        string
	APIBase       string
	Model         string // shorthand or full id
	FallbackModel string // optional; tried when the primary model fails
	Timeout       time.Duration
	MaxTokens     int
	MaxTurns      int
	Mode          domain.PermissionMode
	Prompt        PromptConfig
	Tools         *tool.Registry
	Gate          Gate
	HTTPClient    *http.Client
	OnChat        ChatObserver
	OnTool        ToolObserver
	Logger        *slog.Logger
}

// ChatObserver is told about every Messages API round trip.
type ChatObserver func(model string, latency time.Duration, usage domain.Usage, err error)

// New resolves the model names and assembles the chat client chain and the
// backend around it.
func New(opts Options) (*Claude, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.APIKey == "" {
		return nil, &domain.ValidationError{Field: "anthropic.apiKey", Problem: "is not set (config or ANTHROPIC_API_KEY)"}
	}
	model, err := ResolveModel(opts.Model)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(opts.Timeout)
	}

	newClient := func(m string) ChatClient {
		return &configuredClient{
			ChatClient: NewAnthropic(AnthropicConfig{
				APIKey:  opts.APIKey,
				APIBase: opts.APIBase,
				Model:   m,
				Client:  httpClient,
				Logger:  opts.Logger,
			}),
			model:     m,
			maxTokens: opts.MaxTokens,
			observe:   opts.OnChat,
		}
	}

	var client ChatClient = newClient(model)
	if opts.FallbackModel != "" {
		fallback, err := ResolveModel(opts.FallbackModel)
		if err != nil {
			return nil, fmt.Errorf("fallback %w", err)
		}
		if fallback != model {
			client = NewFailover([]ChatClient{client, newClient(fallback)}, opts.Logger)
		}
	}

	return NewClaude(ClaudeConfig{
		Client:   client,
		Tools:    opts.Tools,
		Gate:     opts.Gate,
		Mode:     opts.Mode,
		MaxTurns: opts.MaxTurns,
		Prompt:   opts.Prompt,
		OnTool:   opts.OnTool,
		Logger:   opts.Logger,
	}), nil
}

// configuredClient fills in the configured output budget and reports each
// round trip.
type configuredClient struct {
	ChatClient
	model     string
	maxTokens int
	observe   ChatObserver
}

func (c *configuredClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}
	start := time.Now()
	resp, err := c.ChatClient.Chat(ctx, req)
	if c.observe != nil {
		var usage domain.Usage
		if resp != nil {
			usage = resp.Usage
		}
		c.observe(c.model, time.Since(start), usage, err)
	}
	return resp, err
}
