package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"waagent/internal/domain"
)

// mockClient implements ChatClient for testing.
type mockClient struct {
	name     string
	chatErr  error
	chatResp *domain.ChatResponse
	calls    int
}

func (m *mockClient) Name() string { return m.name }

func (m *mockClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return m.chatResp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFailover_UsesFirstClient(t *testing.T) {
	c1 := &mockClient{name: "primary", chatResp: &domain.ChatResponse{Content: "from-primary"}}
	c2 := &mockClient{name: "secondary", chatResp: &domain.ChatResponse{Content: "from-secondary"}}
	f := NewFailover([]ChatClient{c1, c2}, testLogger())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", resp.Content)
	}
	if c2.calls != 0 {
		t.Fatalf("secondary should not be called, got %d calls", c2.calls)
	}
}

func TestFailover_FallsBackOnError(t *testing.T) {
	c1 := &mockClient{name: "primary", chatErr: &APIError{StatusCode: 529, Message: "overloaded"}}
	c2 := &mockClient{name: "secondary", chatResp: &domain.ChatResponse{Content: "from-secondary"}}
	f := NewFailover([]ChatClient{c1, c2}, testLogger())

	resp, err := f.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", resp.Content)
	}
}

func TestFailover_StopsOnAuthError(t *testing.T) {
	c1 := &mockClient{name: "primary", chatErr: &APIError{StatusCode: 401, Message: "invalid x-api-key"}}
	c2 := &mockClient{name: "secondary", chatResp: &domain.ChatResponse{Content: "x"}}
	f := NewFailover([]ChatClient{c1, c2}, testLogger())

	_, err := f.Chat(context.Background(), domain.ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("expected the 401 APIError, got %v", err)
	}
	if c2.calls != 0 {
		t.Fatal("auth errors must not fail over")
	}
}

func TestFailover_AllClientsFail(t *testing.T) {
	c1 := &mockClient{name: "c1", chatErr: errors.New("fail 1")}
	c2 := &mockClient{name: "c2", chatErr: errors.New("fail 2")}
	f := NewFailover([]ChatClient{c1, c2}, testLogger())

	if _, err := f.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error when all clients fail")
	}
}

func TestFailover_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c1 := &mockClient{name: "c1", chatErr: context.Canceled}
	c2 := &mockClient{name: "c2", chatResp: &domain.ChatResponse{Content: "x"}}
	f := NewFailover([]ChatClient{c1, c2}, testLogger())

	if _, err := f.Chat(ctx, domain.ChatRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c2.calls != 0 {
		t.Fatal("cancelled request must not fail over")
	}
}

func TestFailover_Empty(t *testing.T) {
	if _, err := NewFailover(nil, testLogger()).Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestFailover_Name(t *testing.T) {
	f := NewFailover([]ChatClient{&mockClient{name: "sonnet"}, &mockClient{name: "haiku"}}, testLogger())
	if name := f.Name(); name != "failover(sonnet→haiku)" {
		t.Fatalf("expected 'failover(sonnet→haiku)', got %q", name)
	}
}
