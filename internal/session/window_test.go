package session

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestWindow_DefaultSize(t *testing.T) {
	w := NewWindow(0)
	for i := range 60 {
		w.AddUser(fmt.Sprint(i), time.Time{})
	}
	if w.Len() != DefaultWindowSize {
		t.Fatalf("Len = %d, want %d", w.Len(), DefaultWindowSize)
	}
}

func TestWindow_DropsOldest(t *testing.T) {
	w := NewWindow(3)
	w.AddUser("one", time.Time{})
	w.AddAssistant("two")
	w.AddUser("three", time.Time{})
	w.AddAssistant("four")

	got := slices.Collect(w.History())
	want := []string{"Assistant: two", "User: three", "Assistant: four"}
	if !slices.Equal(got, want) {
		t.Fatalf("History = %q, want %q", got, want)
	}
}

func TestWindow_HistoryIsSnapshot(t *testing.T) {
	w := NewWindow(10)
	w.AddUser("hi", time.Time{})
	hist := w.History()

	var seen []string
	for line := range hist {
		seen = append(seen, line)
		w.AddAssistant("added during iteration")
	}
	if len(seen) != 1 {
		t.Fatalf("iteration saw %d entries, want 1", len(seen))
	}
	// Restartable: a second pass sees the current contents.
	if n := len(slices.Collect(hist)); n != 2 {
		t.Fatalf("second pass saw %d entries, want 2", n)
	}
}

func TestWindow_TimestampDefaults(t *testing.T) {
	w := NewWindow(5)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	w.AddUser("a", time.Time{})
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	w.AddUser("b", ts)

	e := w.Entries()
	if !e[0].Timestamp.Equal(fixed) || !e[1].Timestamp.Equal(ts) {
		t.Fatalf("timestamps = %v, %v", e[0].Timestamp, e[1].Timestamp)
	}
}

func TestWindow_Summary(t *testing.T) {
	w := NewWindow(10)
	if got := w.Summary(); got != "No previous conversation." {
		t.Fatalf("empty summary = %q", got)
	}

	for i := range 7 {
		w.AddUser(fmt.Sprintf("msg %d", i), time.Time{})
	}
	w.AddAssistant(strings.Repeat("ü", 150))

	lines := strings.Split(w.Summary(), "\n")
	if len(lines) != 5 {
		t.Fatalf("summary lines = %d, want 5", len(lines))
	}
	if lines[0] != "You: msg 3..." {
		t.Errorf("first line = %q", lines[0])
	}
	if want := "Claude: " + strings.Repeat("ü", 100) + "..."; lines[4] != want {
		t.Errorf("last line not truncated to 100 runes: %q", lines[4])
	}
}

func TestWindow_Clear(t *testing.T) {
	w := NewWindow(5)
	w.AddUser("x", time.Time{})
	w.Clear()
	if w.Len() != 0 {
		t.Fatal("Clear left entries")
	}
}
