package security

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"waagent/internal/config"
	"waagent/internal/domain"
	"waagent/internal/permission"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memAudit keeps audit entries in memory.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) last() domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return domain.AuditEntry{}
	}
	return m.entries[len(m.entries)-1]
}

func defaultTestCfg() config.SecurityConfig {
	return config.SecurityConfig{
		Blacklist: []string{"rm -rf /", "mkfs"},
		Whitelist: []string{"^ls", "^git status"},
		AuditLog:  true,
	}
}

func mustEngine(t *testing.T, cfg config.SecurityConfig) (*Engine, *memAudit) {
	t.Helper()
	audit := &memAudit{}
	e, err := NewEngine(cfg, audit, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, audit
}

func bash(cmd string) map[string]any { return map[string]any{"command": cmd} }

// --- Check ---

func TestCheck_ReadOnlyToolAlwaysAllowed(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	for _, mode := range []domain.PermissionMode{domain.ModePlan, domain.ModeNormal, domain.ModeYolo} {
		action, _ := e.Check(context.Background(), mode, "Read", map[string]any{"file_path": "x"})
		if action != domain.ActionAllow {
			t.Errorf("mode %s: Read got %v", mode, action)
		}
	}
}

func TestCheck_BlacklistBlocksInEveryMode(t *testing.T) {
	e, audit := mustEngine(t, defaultTestCfg())
	for _, mode := range []domain.PermissionMode{domain.ModePlan, domain.ModeNormal, domain.ModeYolo} {
		action, reason := e.Check(context.Background(), mode, "Bash", bash("  sudo rm -rf / --no-preserve-root "))
		if action != domain.ActionBlock {
			t.Fatalf("mode %s: expected block, got %v", mode, action)
		}
		if reason == "" {
			t.Error("block should carry a reason")
		}
	}
	if got := audit.last(); got.Action != "command_blocked" || got.Result != "blocked" {
		t.Fatalf("audit = %+v", got)
	}
}

func TestCheck_PlanModeBlocksDestructive(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	for _, name := range []string{"Write", "Edit", "Bash"} {
		action, _ := e.Check(context.Background(), domain.ModePlan, name, bash("ls"))
		if action != domain.ActionBlock {
			t.Errorf("%s in plan mode: got %v", name, action)
		}
	}
}

func TestCheck_YoloAllows(t *testing.T) {
	e, audit := mustEngine(t, defaultTestCfg())
	action, _ := e.Check(context.Background(), domain.ModeYolo, "Write", map[string]any{"file_path": "a.txt"})
	if action != domain.ActionAllow {
		t.Fatalf("expected allow, got %v", action)
	}
	if got := audit.last(); got.Mode != domain.ModeYolo || got.Result != "allowed" {
		t.Fatalf("audit = %+v", got)
	}
}

func TestCheck_NormalModeConfirmsUnlessWhitelisted(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	ctx := context.Background()

	if action, _ := e.Check(ctx, domain.ModeNormal, "Bash", bash("ls -la")); action != domain.ActionAllow {
		t.Fatalf("whitelisted command: got %v", action)
	}
	if action, _ := e.Check(ctx, domain.ModeNormal, "Bash", bash("go test ./...")); action != domain.ActionConfirm {
		t.Fatalf("plain command: got %v", action)
	}
	if action, _ := e.Check(ctx, domain.ModeNormal, "Edit", map[string]any{"file_path": "ls"}); action != domain.ActionConfirm {
		t.Fatalf("whitelist must only apply to Bash commands, got %v", action)
	}
}

func TestCheck_BlacklistOverridesWhitelist(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.Blacklist = []string{"dangerous"}
	cfg.Whitelist = []string{"dangerous"}
	e, _ := mustEngine(t, cfg)

	action, _ := e.Check(context.Background(), domain.ModeNormal, "Bash", bash("dangerous"))
	if action != domain.ActionBlock {
		t.Fatalf("blacklist should take priority over whitelist, got %v", action)
	}
}

// --- Authorize ---

func TestAuthorize_AsksInNormalMode(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	var asked string
	ask := func(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
		asked = description
		return true, nil
	}

	ok, _, err := e.Authorize(context.Background(), domain.ModeNormal, "Bash", bash("make build"), ask)
	if err != nil || !ok {
		t.Fatalf("got %v, %v", ok, err)
	}
	if asked != "Command: make build" {
		t.Fatalf("description = %q", asked)
	}
}

func TestAuthorize_UserDenies(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	ask := func(context.Context, string, string, map[string]any) (bool, error) { return false, nil }

	ok, reason, err := e.Authorize(context.Background(), domain.ModeNormal, "Write", map[string]any{"file_path": "f"}, ask)
	if err != nil || ok {
		t.Fatalf("got %v, %v", ok, err)
	}
	if reason != "denied by user" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestAuthorize_NoHandlerDenies(t *testing.T) {
	e, audit := mustEngine(t, defaultTestCfg())
	ok, _, err := e.Authorize(context.Background(), domain.ModeNormal, "Edit", map[string]any{"file_path": "f"}, nil)
	if err != nil || ok {
		t.Fatalf("got %v, %v", ok, err)
	}
	if audit.last().Action != "confirm_no" {
		t.Fatalf("audit = %+v", audit.last())
	}
}

func TestAuthorize_CancelledAsk(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	ask := func(ctx context.Context, _, _ string, _ map[string]any) (bool, error) { return false, context.Canceled }

	ok, _, err := e.Authorize(context.Background(), domain.ModeNormal, "Bash", bash("make"), ask)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, %v", ok, err)
	}
}

func TestAuthorize_NeverAsksWhenBlocked(t *testing.T) {
	e, _ := mustEngine(t, defaultTestCfg())
	ask := func(context.Context, string, string, map[string]any) (bool, error) {
		t.Fatal("ask must not be called")
		return true, nil
	}
	if ok, _, _ := e.Authorize(context.Background(), domain.ModePlan, "Write", nil, ask); ok {
		t.Fatal("plan mode allowed Write")
	}
}

// --- ObservePermission ---

func TestObservePermission(t *testing.T) {
	e, audit := mustEngine(t, defaultTestCfg())
	req := permission.Request{ID: "abc", ToolName: "Bash", Input: bash("make")}

	tests := []struct {
		decision permission.Decision
		action   string
		result   string
	}{
		{permission.DecisionAllowed, "confirm_yes", "confirmed"},
		{permission.DecisionDenied, "confirm_no", "denied"},
		{permission.DecisionCancelled, "confirm_cancelled", "denied"},
	}
	for _, tt := range tests {
		e.ObservePermission(req, tt.decision)
		got := audit.last()
		if got.Action != tt.action || got.Result != tt.result || got.RequestID != "abc" || got.Command != "make" {
			t.Errorf("%s: audit = %+v", tt.decision, got)
		}
	}
}

func TestAuditDisabled(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.AuditLog = false
	e, audit := mustEngine(t, cfg)
	e.Check(context.Background(), domain.ModeYolo, "Bash", bash("echo"))
	if len(audit.entries) != 0 {
		t.Fatal("audit written while disabled")
	}
}

// --- NewEngine ---

func TestNewEngine_InvalidBlacklistPattern(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.Blacklist = []string{"[invalid regex"}
	if _, err := NewEngine(cfg, &memAudit{}, nil); err == nil {
		t.Fatal("expected error for invalid blacklist regex")
	}
}
