package channel

import (
	"slices"
	"sync"
	"time"
)

const (
	defaultSentTTL      = 60 * time.Second
	defaultSentCapacity = 4096
)

// SentIDs remembers the ids of messages this process sent so their echoes
// can be recognized. Entries expire after ttl and the oldest entry is evicted
// once capacity is reached.
type SentIDs struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	expiry   map[string]time.Time
	order    []string // oldest first; may hold ids already consumed
}

func NewSentIDs(ttl time.Duration, capacity int) *SentIDs {
	if ttl <= 0 {
		ttl = defaultSentTTL
	}
	if capacity <= 0 {
		capacity = defaultSentCapacity
	}
	return &SentIDs{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		expiry:   make(map[string]time.Time),
	}
}

// Add records id as sent now.
func (s *SentIDs) Add(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	for len(s.expiry) >= s.capacity && len(s.order) > 0 {
		delete(s.expiry, s.order[0])
		s.order = s.order[1:]
	}
	if _, ok := s.expiry[id]; ok {
		s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	}
	s.order = append(s.order, id)
	s.expiry[id] = s.now().Add(s.ttl)
}

// Seen reports whether id was sent and has not expired. A hit consumes the
// entry.
func (s *SentIDs) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expiry[id]
	if !ok {
		return false
	}
	delete(s.expiry, id)
	return s.now().Before(exp)
}

func (s *SentIDs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.expiry)
}

// Prune drops expired entries and returns how many were removed.
func (s *SentIDs) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *SentIDs) pruneLocked() int {
	now := s.now()
	removed := 0
	i := 0
	for ; i < len(s.order); i++ {
		id := s.order[i]
		exp, ok := s.expiry[id]
		if !ok {
			continue
		}
		if now.Before(exp) {
			break
		}
		delete(s.expiry, id)
		removed++
	}
	s.order = s.order[i:]
	return removed
}
