package targeting

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		agent    string
		targeted bool
		clean    string
		method   Method
	}{
		{"mention", "@SpiderMan hello world", "SpiderMan", true, "hello world", MethodMention},
		{"mention case insensitive", "@spiderman hi", "SpiderMan", true, "hi", MethodMention},
		{"mention joined multi-word name", "@SpiderMan hi", "Spider Man", true, "hi", MethodMention},
		{"mention multi-word", "@Spider Man hello", "Spider Man", true, "hello", MethodMention},
		{"generic ai", "@ai what is 2+2?", "SpiderMan", true, "what is 2+2?", MethodGeneric},
		{"generic agent", "@Agent  do it", "SpiderMan", true, "do it", MethodGeneric},
		{"generic empty", "@ai   ", "SpiderMan", true, "", MethodGeneric},
		{"slash with name", "/ask Spider Man what is up?", "Spider Man", true, "what is up?", MethodSlash},
		{"slash generic", "/ask what is up?", "Spider Man", true, "what is up?", MethodSlash},
		{"slash uppercase", "/ASK SpiderMan go", "SpiderMan", true, "go", MethodSlash},
		{"slash name only", "/ask SpiderMan", "SpiderMan", true, "", MethodSlash},
		{"other agent mention", "@Batman hello", "SpiderMan", false, "@Batman hello", MethodNone},
		{"email", "email me at test@example.com", "SpiderMan", false, "email me at test@example.com", MethodNone},
		{"plain", "  just chatting  ", "SpiderMan", false, "just chatting", MethodNone},
		{"bare ask", "/ask", "SpiderMan", false, "/ask", MethodNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text, tt.agent)
			if got.IsTargeted != tt.targeted {
				t.Fatalf("IsTargeted = %v, want %v", got.IsTargeted, tt.targeted)
			}
			if got.CleanMessage != tt.clean {
				t.Errorf("CleanMessage = %q, want %q", got.CleanMessage, tt.clean)
			}
			if got.Method != tt.method {
				t.Errorf("Method = %q, want %q", got.Method, tt.method)
			}
		})
	}
}

func TestParse_MultiLineRemainderPreserved(t *testing.T) {
	text := "@Spider Man first line\n\n  second line\nthird"
	got := Parse(text, "Spider Man")
	if !got.IsTargeted {
		t.Fatal("expected targeted")
	}
	want := "first line\n\n  second line\nthird"
	if got.CleanMessage != want {
		t.Fatalf("got %q, want %q", got.CleanMessage, want)
	}

	got = Parse("/ask Spider Man line one\nline two", "Spider Man")
	if got.CleanMessage != "line one\nline two" {
		t.Fatalf("slash remainder reflowed: %q", got.CleanMessage)
	}
}

func TestParse_EmptyAgentName(t *testing.T) {
	got := Parse("@someone hi", "")
	if got.IsTargeted {
		t.Fatal("empty agent name must not match arbitrary mentions")
	}
	got = Parse("/ask anything", "")
	if !got.IsTargeted || got.Method != MethodSlash {
		t.Fatalf("generic ask should still target: %+v", got)
	}
}

// --- Identity ---

func TestTitleCase(t *testing.T) {
	tests := map[string]string{
		"my-project-name": "My Project Name",
		"spider-man":      "Spider Man",
		"snake_case  x":   "Snake Case X",
		"ALREADY UPPER":   "Already Upper",
		"":                "",
	}
	for in, want := range tests {
		if got := TitleCase(in); got != want {
			t.Errorf("TitleCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	if _, ok := NormalizeName("   "); ok {
		t.Error("blank name should not be ok")
	}
	if n, ok := NormalizeName("  Jarvis "); !ok || n != "Jarvis" {
		t.Errorf("got %q, %v", n, ok)
	}
}

func TestNewIdentity(t *testing.T) {
	id := NewIdentity("/home/me/projects/api-server", "Jarvis")
	if id.Name != "Jarvis" {
		t.Errorf("Name = %q", id.Name)
	}
	if id.Folder != "api-server" {
		t.Errorf("Folder = %q", id.Folder)
	}
	if id.Host == "" {
		t.Error("Host should be set")
	}

	prefix := id.Prefix()
	if !strings.HasPrefix(prefix, "[🤖 Jarvis@") || !strings.HasSuffix(prefix, " api-server/]\n") {
		t.Errorf("unexpected prefix %q", prefix)
	}
	if !IsAgentMessage(prefix + "hello") {
		t.Error("prefixed text should be recognized as agent message")
	}
}

func TestNewIdentity_RandomName(t *testing.T) {
	id := NewIdentity("/tmp/x", "")
	if id.Name == "" {
		t.Fatal("expected generated name")
	}
	if got := Parse("@"+id.Name+" ping", id.Name); !got.IsTargeted || got.CleanMessage != "ping" {
		t.Fatalf("generated name should be addressable: %+v", got)
	}
}

func TestDefaultName(t *testing.T) {
	name := DefaultName("/srv/my-repo")
	if !strings.Contains(name, "My Repo") {
		t.Fatalf("expected folder in default name, got %q", name)
	}
}
