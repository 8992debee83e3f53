package session

import (
	"iter"
	"strings"
	"sync"
	"time"

	"waagent/internal/chunk"
)

// DefaultWindowSize is the number of entries kept when none is configured.
const DefaultWindowSize = 50

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single turn in the conversation.
type Entry struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

func (e Entry) String() string {
	if e.Role == RoleUser {
		return "User: " + e.Content
	}
	return "Assistant: " + e.Content
}

// Window is a bounded, memory-resident conversation history. The oldest
// entries are dropped once it holds more than max.
type Window struct {
	mu      sync.Mutex
	max     int
	entries []Entry
	now     func() time.Time
}

// NewWindow creates a window holding at most max entries (DefaultWindowSize
// when max <= 0).
func NewWindow(max int) *Window {
	if max <= 0 {
		max = DefaultWindowSize
	}
	return &Window{max: max, now: time.Now}
}

// AddUser appends a user entry. A zero ts is replaced by the current time.
func (w *Window) AddUser(text string, ts time.Time) {
	if ts.IsZero() {
		ts = w.now()
	}
	w.add(Entry{Role: RoleUser, Content: text, Timestamp: ts})
}

// AddAssistant appends an assistant entry stamped now.
func (w *Window) AddAssistant(text string) {
	w.add(Entry{Role: RoleAssistant, Content: text, Timestamp: w.now()})
}

func (w *Window) add(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	if over := len(w.entries) - w.max; over > 0 {
		w.entries = append(w.entries[:0:0], w.entries[over:]...)
	}
}

// Entries returns a copy of the current entries, oldest first.
func (w *Window) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// History yields "User: ..." / "Assistant: ..." lines oldest first. Each
// iteration works on a snapshot taken when it starts.
func (w *Window) History() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, e := range w.Entries() {
			if !yield(e.String()) {
				return
			}
		}
	}
}

// Summary is a short digest of the last five entries.
func (w *Window) Summary() string {
	entries := w.Entries()
	if len(entries) == 0 {
		return "No previous conversation."
	}
	if len(entries) > 5 {
		entries = entries[len(entries)-5:]
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		who := "Claude"
		if e.Role == RoleUser {
			who = "You"
		}
		lines[i] = who + ": " + chunk.Head(e.Content, 100) + "..."
	}
	return strings.Join(lines, "\n")
}

// Clear drops every entry.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
}

// Len returns the number of entries held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
