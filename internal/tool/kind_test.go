package tool

import (
	"strings"
	"testing"

	"waagent/internal/domain"
)

func TestIsDestructive(t *testing.T) {
	tests := map[string]bool{
		"Write": true,
		"Edit":  true,
		"Bash":  true,
		"Read":  false,
		"Glob":  false,
		"":      false,
	}
	for name, want := range tests {
		if got := IsDestructive(name); got != want {
			t.Errorf("IsDestructive(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFormatInput(t *testing.T) {
	got := FormatInput("Bash", map[string]any{"command": "ls -la"})
	if got != "Command: ls -la" {
		t.Errorf("Bash: %q", got)
	}

	got = FormatInput("Edit", map[string]any{"file_path": "x.go", "old_string": "a", "new_string": "b"})
	if got != "File: x.go\nOld: a\nNew: b" {
		t.Errorf("Edit: %q", got)
	}

	got = FormatInput("Write", map[string]any{"file_path": "y.txt", "content": strings.Repeat("z", 300)})
	if !strings.HasPrefix(got, "File: y.txt\nContent: ") || len(got) != len("File: y.txt\nContent: ")+200+3 {
		t.Errorf("Write content not truncated: %d bytes", len(got))
	}

	if got = FormatInput("Read", map[string]any{"file_path": "r.md"}); got != "File: r.md" {
		t.Errorf("Read: %q", got)
	}

	got = FormatInput("Other", map[string]any{"k": "v"})
	if !strings.Contains(got, `"k": "v"`) {
		t.Errorf("Other: %q", got)
	}

	if got = FormatInput("Bash", nil); got != "<no input>" {
		t.Errorf("nil input: %q", got)
	}
}

func TestForMode(t *testing.T) {
	defs := []domain.ToolDefinition{{Name: "Bash"}, {Name: "Edit"}, {Name: "Read"}, {Name: "Write"}}

	plan := ForMode(domain.ModePlan).Definitions(defs)
	if len(plan) != 1 || plan[0].Name != "Read" {
		t.Fatalf("plan mode offers %v", plan)
	}
	if ForMode(domain.ModePlan).IsAllowed("Bash") {
		t.Fatal("plan mode must not allow Bash")
	}

	for _, m := range []domain.PermissionMode{domain.ModeNormal, domain.ModeYolo} {
		if n := len(ForMode(m).Definitions(defs)); n != 4 {
			t.Errorf("mode %s offers %d tools, want 4", m, n)
		}
	}
}

func TestFilter_Rules(t *testing.T) {
	var nilFilter *Filter
	if !nilFilter.IsAllowed("Bash") || !nilFilter.IsEmpty() {
		t.Error("nil filter should allow everything")
	}

	f := NewFilter([]string{"Bash", "Read"}, []string{"Bash"})
	if f.IsAllowed("Bash") {
		t.Error("deny list should win over allow list")
	}
	if !f.IsAllowed("Read") {
		t.Error("Read should be allowed")
	}
	if f.IsAllowed("Write") {
		t.Error("Write not in allow list")
	}
	if f.IsEmpty() {
		t.Error("filter with rules is not empty")
	}
}
