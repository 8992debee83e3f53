package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"waagent/internal/domain"
	"waagent/internal/tool"
)

// scriptedClient returns its responses in order and records every request.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	err       error
	requests  []domain.ChatRequest
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &domain.ChatResponse{Content: "done"}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func toolNames(defs []domain.ToolDefinition) []string {
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func writeCall(id, path, content string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Content: "Writing the file.",
		ToolCalls: []domain.ToolCall{{
			ID:        id,
			Name:      "Write",
			Arguments: map[string]any{"file_path": path, "content": content},
		}},
	}
}

func newTestClaude(t *testing.T, client ChatClient, mode domain.PermissionMode) (*Claude, string) {
	t.Helper()
	dir := t.TempDir()
	return NewClaude(ClaudeConfig{
		Client: client,
		Tools:  tool.NewWorkspaceRegistry(tool.BashConfig{WorkingDir: dir}, testLogger()),
		Mode:   mode,
		Prompt: PromptConfig{Directory: dir, Identity: domain.AgentIdentity{Name: "Tester"}},
		Logger: testLogger(),
	}), dir
}

func TestClaude_Query_ToolLoop(t *testing.T) {
	client := &scriptedClient{responses: []*domain.ChatResponse{
		writeCall("tu_1", "notes.txt", "hello"),
		{Content: "Created notes.txt."},
	}}
	c, dir := newTestClaude(t, client, domain.ModeYolo)

	resp, err := c.Query(context.Background(), "make a note", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text != "Created notes.txt." {
		t.Fatalf("text = %q", resp.Text)
	}
	if !slices.Equal(resp.ToolsUsed, []string{"Write"}) {
		t.Fatalf("tools used = %v", resp.ToolsUsed)
	}
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("file = %q, %v", data, err)
	}

	if len(client.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(client.requests))
	}
	second := client.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "tu_1" || last.IsError {
		t.Fatalf("tool result message = %+v", last)
	}
	if !strings.Contains(client.requests[0].System, "Tester") {
		t.Fatalf("system prompt should carry the agent name: %q", client.requests[0].System)
	}
}

func TestClaude_Query_PlanModeHidesDestructiveTools(t *testing.T) {
	client := &scriptedClient{responses: []*domain.ChatResponse{
		writeCall("tu_1", "x.txt", "nope"),
		{Content: "I can't write in read-only mode."},
	}}
	c, dir := newTestClaude(t, client, domain.ModePlan)

	if _, err := c.Query(context.Background(), "write x", nil); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if names := toolNames(client.requests[0].Tools); !slices.Equal(names, []string{"Read"}) {
		t.Fatalf("plan mode offered %v", names)
	}
	if _, err := os.Stat(filepath.Join(dir, "x.txt")); !os.IsNotExist(err) {
		t.Fatal("plan mode must not write files")
	}
	msgs := client.requests[1].Messages
	if last := msgs[len(msgs)-1]; !last.IsError {
		t.Fatalf("refused tool call should be an error result: %+v", last)
	}
}

func TestClaude_Query_NormalModeAsksPermission(t *testing.T) {
	tests := []struct {
		name    string
		allow   bool
		written bool
	}{
		{"approved", true, true},
		{"denied", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{responses: []*domain.ChatResponse{
				writeCall("tu_1", "a.txt", "content"),
				{Content: "ok"},
			}}
			c, dir := newTestClaude(t, client, domain.ModeNormal)

			var asked []string
			c.SetPermissionFunc(func(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
				asked = append(asked, toolName+"|"+description)
				return tt.allow, nil
			})

			if _, err := c.Query(context.Background(), "write a", nil); err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(asked) != 1 || !strings.HasPrefix(asked[0], "Write|File: a.txt") {
				t.Fatalf("asked = %v", asked)
			}
			_, statErr := os.Stat(filepath.Join(dir, "a.txt"))
			if written := statErr == nil; written != tt.written {
				t.Fatalf("written = %v, want %v", written, tt.written)
			}
		})
	}
}

func TestClaude_Query_ReadNeedsNoPermission(t *testing.T) {
	client := &scriptedClient{responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{{ID: "tu_1", Name: "Read", Arguments: map[string]any{"file_path": "missing.txt"}}}},
		{Content: "The file does not exist."},
	}}
	c, _ := newTestClaude(t, client, domain.ModeNormal)
	c.SetPermissionFunc(func(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
		t.Errorf("Read should not ask for permission")
		return false, nil
	})

	resp, err := c.Query(context.Background(), "read it", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text != "The file does not exist." {
		t.Fatalf("text = %q", resp.Text)
	}
	msgs := client.requests[1].Messages
	if last := msgs[len(msgs)-1]; !last.IsError {
		t.Fatalf("failed read should be an error result: %+v", last)
	}
}

func TestClaude_Query_CancelledWhileAsking(t *testing.T) {
	client := &scriptedClient{responses: []*domain.ChatResponse{writeCall("tu_1", "a.txt", "x")}}
	c, _ := newTestClaude(t, client, domain.ModeNormal)
	c.SetPermissionFunc(func(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Query(ctx, "write", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClaude_Query_APIErrorIsBackendError(t *testing.T) {
	client := &scriptedClient{err: &APIError{StatusCode: 400, Message: "prompt is too long"}}
	c, _ := newTestClaude(t, client, domain.ModeNormal)

	resp, err := c.Query(context.Background(), "hi", nil)
	if !errors.Is(err, domain.ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if resp == nil || !strings.Contains(resp.Error, "prompt is too long") {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestClaude_Query_MaxTurns(t *testing.T) {
	var responses []*domain.ChatResponse
	for i := range 5 {
		responses = append(responses, &domain.ChatResponse{ToolCalls: []domain.ToolCall{{
			ID: "tu", Name: "Read", Arguments: map[string]any{"file_path": "f" + string(rune('a'+i))},
		}}})
	}
	client := &scriptedClient{responses: responses}
	c, _ := newTestClaude(t, client, domain.ModeNormal)
	c.maxTurns = 3

	resp, err := c.Query(context.Background(), "loop", nil)
	if !errors.Is(err, domain.ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if !strings.Contains(resp.Error, "3 turns") {
		t.Fatalf("resp.Error = %q", resp.Error)
	}
	if len(client.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(client.requests))
	}
}

func TestClaude_SetMode(t *testing.T) {
	c, _ := newTestClaude(t, &scriptedClient{}, domain.ModeNormal)
	c.SetMode(domain.ModeYolo)
	if c.Mode() != domain.ModeYolo {
		t.Fatalf("mode = %s", c.Mode())
	}
}

func TestHistoryMessages(t *testing.T) {
	history := slices.Values([]string{
		"Assistant: stray greeting",
		"User: first",
		"User: second",
		"Assistant: answer",
		"User: now",
	})
	msgs := historyMessages(history, "now")

	want := []domain.Message{
		{Role: "user", Content: "first\n\nsecond"},
		{Role: "assistant", Content: "answer"},
		{Role: "user", Content: "now"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	for i := range want {
		if msgs[i].Role != want[i].Role || msgs[i].Content != want[i].Content {
			t.Errorf("msg[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestHistoryMessages_NoHistory(t *testing.T) {
	msgs := historyMessages(nil, "hello")
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

// --- Anthropic HTTP client ---

func TestAnthropic_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		var body anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Model != "claude-sonnet-4-20250514" || body.System != "sys" || len(body.Tools) != 1 {
			t.Errorf("body = %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Let me look."},
				{"type": "tool_use", "id": "tu_1", "name": "Read", "input": {"file_path": "go.mod"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{APIKey: "sk-test", APIBase: srv.URL, Logger: testLogger()})
	resp, err := a.Chat(context.Background(), domain.ChatRequest{
		System:   "sys",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Tools:    []domain.ToolDefinition{{Name: "Read", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Let me look." || resp.FinishReason != "tool_use" || resp.Usage.TotalTokens != 15 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "Read" || resp.ToolCalls[0].Arguments["file_path"] != "go.mod" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestAnthropic_Chat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens: too large"}}`))
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	_, err := a.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Type != "invalid_request_error" || apiErr.Message != "max_tokens: too large" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestAnthropic_Chat_RetriesOverloaded(t *testing.T) {
	old := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = old }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			w.Write([]byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	resp, err := a.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 2 {
		t.Fatalf("content=%q calls=%d", resp.Content, calls.Load())
	}
}

func TestToAnthropicMessages_GroupsToolResults(t *testing.T) {
	msgs := toAnthropicMessages([]domain.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "two tools", ToolCalls: []domain.ToolCall{
			{ID: "a", Name: "Read"}, {ID: "b", Name: "Bash"},
		}},
		{Role: "tool", ToolCallID: "a", Content: "file"},
		{Role: "tool", ToolCallID: "b", Content: "denied", IsError: true},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(msgs), msgs)
	}
	blocks, ok := msgs[2].Content.([]anthropicContent)
	if !ok || msgs[2].Role != "user" || len(blocks) != 2 {
		t.Fatalf("tool results turn = %+v", msgs[2])
	}
	if !blocks[1].IsError || blocks[1].ToolUseID != "b" {
		t.Fatalf("second result = %+v", blocks[1])
	}
	assistant := msgs[1].Content.([]anthropicContent)
	if len(assistant) != 3 || assistant[0].Type != "text" || assistant[2].Type != "tool_use" {
		t.Fatalf("assistant turn = %+v", assistant)
	}
}

// --- Construction ---

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Options{Logger: testLogger()})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNew_FallbackModelBuildsFailover(t *testing.T) {
	c, err := New(Options{APIKey: "k", Model: "sonnet", FallbackModel: "haiku", Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.Contains(c.Name(), "failover(") {
		t.Fatalf("name = %q", c.Name())
	}

	c, err = New(Options{APIKey: "k", Model: "sonnet", Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if strings.Contains(c.Name(), "failover(") {
		t.Fatalf("no fallback configured, name = %q", c.Name())
	}
}

func TestNew_UnknownModel(t *testing.T) {
	if _, err := New(Options{APIKey: "k", Model: "gpt-4o", Logger: testLogger()}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
