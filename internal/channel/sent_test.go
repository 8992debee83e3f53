package channel

import (
	"testing"
	"time"
)

func TestSentIDs_SeenConsumes(t *testing.T) {
	s := NewSentIDs(time.Minute, 10)
	s.Add("a")
	if !s.Seen("a") {
		t.Fatal("a should be seen")
	}
	if s.Seen("a") {
		t.Fatal("second Seen should miss: entries are consumed")
	}
	if s.Seen("unknown") {
		t.Fatal("unknown id seen")
	}
}

func TestSentIDs_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSentIDs(60*time.Second, 10)
	s.now = func() time.Time { return now }

	s.Add("old")
	now = now.Add(30 * time.Second)
	s.Add("new")
	now = now.Add(31 * time.Second)

	if s.Seen("old") {
		t.Error("old should have expired")
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
	now = now.Add(30 * time.Second)
	if n := s.Prune(); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if s.Len() != 0 {
		t.Errorf("len after prune = %d", s.Len())
	}
}

func TestSentIDs_CapacityEvictsOldest(t *testing.T) {
	s := NewSentIDs(time.Minute, 3)
	for _, id := range []string{"1", "2", "3", "4"} {
		s.Add(id)
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
	if s.Seen("1") {
		t.Error("oldest entry should have been evicted")
	}
	if !s.Seen("4") || !s.Seen("2") {
		t.Error("newer entries should remain")
	}
}

func TestSentIDs_ReAddRefreshes(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSentIDs(10*time.Second, 10)
	s.now = func() time.Time { return now }

	s.Add("x")
	now = now.Add(8 * time.Second)
	s.Add("x")
	now = now.Add(8 * time.Second)
	if !s.Seen("x") {
		t.Error("re-added id should still be live")
	}
}

func TestSentIDs_IgnoresEmpty(t *testing.T) {
	s := NewSentIDs(0, 0)
	s.Add("")
	if s.Len() != 0 {
		t.Errorf("empty id recorded")
	}
}
