package domain

import (
	"context"
	"fmt"
	"iter"
)

// PermissionMode controls how much the backend may do without asking.
type PermissionMode string

const (
	ModePlan   PermissionMode = "plan"
	ModeNormal PermissionMode = "normal"
	ModeYolo   PermissionMode = "dangerously-skip-permissions"
)

// ParsePermissionMode accepts the canonical names plus the readonly/yolo aliases.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch s {
	case "plan", "readonly":
		return ModePlan, nil
	case "normal", "":
		return ModeNormal, nil
	case "dangerously-skip-permissions", "yolo":
		return ModeYolo, nil
	}
	return "", &ValidationError{Field: "mode", Problem: fmt.Sprintf("unknown permission mode %q (plan, normal, dangerously-skip-permissions)", s)}
}

// PermissionFunc asks a human whether a tool call may run. It blocks until
// the request is resolved or ctx is done.
type PermissionFunc func(ctx context.Context, toolName, description string, input map[string]any) (bool, error)

// Backend is the conversational AI collaborator.
type Backend interface {
	Name() string
	Query(ctx context.Context, prompt string, history iter.Seq[string]) (*BackendResponse, error)
	SetMode(mode PermissionMode)
	Mode() PermissionMode
	SetPermissionFunc(fn PermissionFunc)
}

// BackendResponse is the outcome of one query. Error carries a
// backend-reported failure that should be shown to the user.
type BackendResponse struct {
	Text      string
	ToolsUsed []string
	Error     string
}

// ChatRequest is one round trip to a chat-completion API.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	Model     string
	MaxTokens int
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

type Message struct {
	Role       string     `json:"role"` // user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
