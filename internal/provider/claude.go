// Package provider implements the AI backend: an Anthropic Messages API
// client and the local tool loop that runs Read/Write/Edit/Bash on the
// model's behalf.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"waagent/internal/domain"
	"waagent/internal/tool"
)

const (
	DefaultMaxTurns = 20
	emptyReply      = "I've completed processing but have no additional response."
)

// Gate decides whether a tool call may run, asking through ask when needed.
// security.Engine satisfies it.
type Gate interface {
	Authorize(ctx context.Context, mode domain.PermissionMode, toolName string, input map[string]any, ask domain.PermissionFunc) (bool, string, error)
}

type ClaudeConfig struct {
	Client   ChatClient
	Tools    *tool.Registry
	Gate     Gate // nil uses the mode rules without command policy
	Mode     domain.PermissionMode
	MaxTurns int
	Prompt   PromptConfig
	OnTool   ToolObserver
	Logger   *slog.Logger
}

// ToolObserver is told how every tool call ended. allowed is false when the
// call never ran.
type ToolObserver func(name string, latency time.Duration, allowed bool, err error)

// Claude is the domain.Backend. Each Query runs the model and its tool calls
// until the model answers without tools or MaxTurns is reached.
type Claude struct {
	client   ChatClient
	tools    *tool.Registry
	gate     Gate
	maxTurns int
	prompt   PromptConfig
	onTool   ToolObserver
	logger   *slog.Logger

	mu   sync.RWMutex
	mode domain.PermissionMode
	ask  domain.PermissionFunc
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeNormal
	}
	if cfg.Gate == nil {
		cfg.Gate = modeGate{}
	}
	return &Claude{
		client:   cfg.Client,
		tools:    cfg.Tools,
		gate:     cfg.Gate,
		maxTurns: cfg.MaxTurns,
		prompt:   cfg.Prompt,
		onTool:   cfg.OnTool,
		logger:   cfg.Logger,
		mode:     cfg.Mode,
	}
}

func (c *Claude) Name() string { return "claude(" + c.client.Name() + ")" }

func (c *Claude) SetMode(mode domain.PermissionMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.logger.Info("permission mode changed", "mode", mode)
}

func (c *Claude) Mode() domain.PermissionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Claude) SetPermissionFunc(fn domain.PermissionFunc) {
	c.mu.Lock()
	c.ask = fn
	c.mu.Unlock()
}

func (c *Claude) permissionFunc() domain.PermissionFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ask
}

// Query answers prompt in the context of history ("User: …"/"Assistant: …"
// lines, oldest first). The mode is read once so a mid-query switch applies
// from the next message.
func (c *Claude) Query(ctx context.Context, prompt string, history iter.Seq[string]) (*domain.BackendResponse, error) {
	mode := c.Mode()
	ask := c.permissionFunc()

	messages := historyMessages(history, prompt)
	var defs []domain.ToolDefinition
	if c.tools != nil {
		defs = tool.ForMode(mode).Definitions(c.tools.Definitions())
	}
	system := BuildSystemPrompt(c.prompt, mode)

	out := &domain.BackendResponse{}
	for turn := 0; turn < c.maxTurns; turn++ {
		c.logger.Debug("backend turn", "turn", turn+1, "messages", len(messages))

		resp, err := c.client.Chat(ctx, domain.ChatRequest{
			System:   system,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out.Error = err.Error()
			return out, fmt.Errorf("%w: %w", domain.ErrBackend, err)
		}

		if !resp.HasToolCalls() {
			out.Text = resp.Content
			if strings.TrimSpace(out.Text) == "" {
				out.Text = emptyReply
			}
			c.logger.Debug("backend answered", "turns", turn+1, "tools", len(out.ToolsUsed),
				"tokens", resp.Usage.TotalTokens, "latency_ms", resp.LatencyMs)
			return out, nil
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// One at a time: permission prompts are answered oldest first.
		for _, tc := range resp.ToolCalls {
			out.ToolsUsed = append(out.ToolsUsed, tc.Name)
			result, isErr, err := c.executeTool(ctx, mode, ask, defs, tc)
			if err != nil {
				return nil, err
			}
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				IsError:    isErr,
			})
		}
	}

	out.Error = fmt.Sprintf("reached the maximum of %d turns without a final answer", c.maxTurns)
	return out, fmt.Errorf("%w: %s", domain.ErrBackend, out.Error)
}

// executeTool runs one tool call through the gate. Denials and tool failures
// become error results for the model; only context errors abort the query.
func (c *Claude) executeTool(ctx context.Context, mode domain.PermissionMode, ask domain.PermissionFunc, offered []domain.ToolDefinition, tc domain.ToolCall) (string, bool, error) {
	c.logger.Info("tool call", "tool", tc.Name, "mode", mode)

	if c.tools == nil || c.tools.Get(tc.Name) == nil || !offeredTool(offered, tc.Name) {
		return fmt.Sprintf("Tool %s is not available in %s mode.", tc.Name, mode), true, nil
	}

	allowed, reason, err := c.gate.Authorize(ctx, mode, tc.Name, tc.Arguments, ask)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", false, err
		}
		return fmt.Sprintf("Permission check failed: %v", err), true, nil
	}
	if !allowed {
		c.logger.Info("tool denied", "tool", tc.Name, "reason", reason)
		c.observeTool(tc.Name, 0, false, nil)
		return fmt.Sprintf("Permission denied for %s: %s", tc.Name, reason), true, nil
	}

	if c.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			c.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	start := time.Now()
	result, err := c.tools.Execute(ctx, tc.Name, tc.Arguments)
	c.observeTool(tc.Name, time.Since(start), true, err)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if result != "" {
			return fmt.Sprintf("%s\nError: %v", result, err), true, nil
		}
		return fmt.Sprintf("Error: %v", err), true, nil
	}
	c.logger.Debug("tool completed", "tool", tc.Name, "result_len", len(result))
	return result, false, nil
}

func (c *Claude) observeTool(name string, latency time.Duration, allowed bool, err error) {
	if c.onTool != nil {
		c.onTool(name, latency, allowed, err)
	}
}

func offeredTool(defs []domain.ToolDefinition, name string) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// historyMessages turns window lines into alternating API turns ending with
// prompt. The window usually already ends with the prompt itself.
func historyMessages(history iter.Seq[string], prompt string) []domain.Message {
	var lines []domain.Message
	if history != nil {
		for line := range history {
			switch {
			case strings.HasPrefix(line, "User: "):
				lines = append(lines, domain.Message{Role: "user", Content: strings.TrimPrefix(line, "User: ")})
			case strings.HasPrefix(line, "Assistant: "):
				lines = append(lines, domain.Message{Role: "assistant", Content: strings.TrimPrefix(line, "Assistant: ")})
			default:
				lines = append(lines, domain.Message{Role: "user", Content: line})
			}
		}
	}
	if n := len(lines); n > 0 && lines[n-1].Role == "user" && lines[n-1].Content == prompt {
		lines = lines[:n-1]
	}
	lines = append(lines, domain.Message{Role: "user", Content: prompt})

	var msgs []domain.Message
	for _, m := range lines {
		if len(msgs) == 0 && m.Role != "user" {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// modeGate applies the permission-mode rules alone.
type modeGate struct{}

func (modeGate) Authorize(ctx context.Context, mode domain.PermissionMode, toolName string, input map[string]any, ask domain.PermissionFunc) (bool, string, error) {
	if !tool.IsDestructive(toolName) {
		return true, "read-only tool", nil
	}
	switch mode {
	case domain.ModePlan:
		return false, "plan mode is read-only", nil
	case domain.ModeYolo:
		return true, "permissions skipped", nil
	}
	if ask == nil {
		return false, "no permission handler", nil
	}
	ok, err := ask(ctx, toolName, tool.FormatInput(toolName, input), input)
	if err != nil {
		return false, "permission request failed", err
	}
	if !ok {
		return false, "denied by user", nil
	}
	return true, "approved by user", nil
}

var _ domain.Backend = (*Claude)(nil)
