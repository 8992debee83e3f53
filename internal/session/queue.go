// Package session holds per-sender execution ordering and the in-memory
// conversation window.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrCleared is returned by Acquire when the queue was cleared while the
// caller was still waiting for its turn.
var ErrCleared = errors.New("session queue cleared")

type waiter struct {
	ch      chan struct{}
	granted bool
	closed  bool
}

type keyState struct {
	waiters []*waiter
	busy    bool
}

// Queue serializes work per key. Work for one key runs one at a time in
// arrival order; different keys never block each other.
type Queue struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{keys: make(map[string]*keyState)}
}

// Enqueue registers a waiter for key. The returned channel is closed when the
// waiter owns the key's turn (immediately if the key is idle) or when the
// queue is cleared. The owner must call Release when done.
func (q *Queue) Enqueue(key string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(key).ch
}

func (q *Queue) enqueueLocked(key string) *waiter {
	st, ok := q.keys[key]
	if !ok {
		st = &keyState{}
		q.keys[key] = st
	}
	w := &waiter{ch: make(chan struct{})}
	if !st.busy {
		st.busy = true
		w.granted = true
		w.closed = true
		close(w.ch)
		return w
	}
	st.waiters = append(st.waiters, w)
	return w
}

// Acquire waits for key's turn. If ctx ends first the waiter is withdrawn, or
// the turn handed on if it had already been granted, so the key never stalls.
func (q *Queue) Acquire(ctx context.Context, key string) error {
	q.mu.Lock()
	w := q.enqueueLocked(key)
	q.mu.Unlock()

	select {
	case <-w.ch:
		q.mu.Lock()
		granted := w.granted
		q.mu.Unlock()
		if !granted {
			return ErrCleared
		}
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		switch {
		case w.granted:
			q.releaseLocked(key)
		case !w.closed:
			q.withdrawLocked(key, w)
		}
		return ctx.Err()
	}
}

// Release ends the current turn for key and grants the next waiter. It is a
// no-op when key is not executing.
func (q *Queue) Release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(key)
}

func (q *Queue) releaseLocked(key string) {
	st, ok := q.keys[key]
	if !ok || !st.busy {
		return
	}
	if len(st.waiters) == 0 {
		delete(q.keys, key)
		return
	}
	next := st.waiters[0]
	st.waiters[0] = nil
	st.waiters = st.waiters[1:]
	next.granted = true
	next.closed = true
	close(next.ch)
}

func (q *Queue) withdrawLocked(key string, w *waiter) {
	st, ok := q.keys[key]
	if !ok {
		return
	}
	for i, cand := range st.waiters {
		if cand == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			w.closed = true
			close(w.ch)
			return
		}
	}
}

// Clear wakes every waiter without granting it a turn; Acquire callers get
// ErrCleared. Idle keys are removed. A key whose turn is in progress keeps
// its busy marker until the holder calls Release.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, st := range q.keys {
		for _, w := range st.waiters {
			w.closed = true
			close(w.ch)
		}
		st.waiters = nil
		if !st.busy {
			delete(q.keys, key)
		}
	}
}

// Len returns the number of waiters queued behind the current turn for key.
func (q *Queue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.keys[key]; ok {
		return len(st.waiters)
	}
	return 0
}

// Busy reports whether a turn for key is in progress.
func (q *Queue) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.keys[key]
	return ok && st.busy
}

// Keys returns the keys that are executing or waiting, sorted.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.keys))
	for k := range q.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
