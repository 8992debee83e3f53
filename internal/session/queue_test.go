package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestQueue_IdleKeyGrantedImmediately(t *testing.T) {
	q := NewQueue()
	if !isClosed(q.Enqueue("a")) {
		t.Fatal("first waiter on idle key should be granted")
	}
	if !q.Busy("a") {
		t.Fatal("key should be busy")
	}
	q.Release("a")
	if q.Busy("a") || len(q.Keys()) != 0 {
		t.Fatal("released idle key should be removed")
	}
}

func TestQueue_FIFOPerKey(t *testing.T) {
	q := NewQueue()
	first := q.Enqueue("a")
	second := q.Enqueue("a")
	third := q.Enqueue("a")

	if !isClosed(first) || isClosed(second) || isClosed(third) {
		t.Fatal("only the first waiter should run")
	}
	if q.Len("a") != 2 {
		t.Fatalf("Len = %d, want 2", q.Len("a"))
	}

	q.Release("a")
	if !isClosed(second) || isClosed(third) {
		t.Fatal("second waiter should run next")
	}
	q.Release("a")
	if !isClosed(third) {
		t.Fatal("third waiter should run last")
	}
	q.Release("a")
	if len(q.Keys()) != 0 {
		t.Fatalf("expected no keys, got %v", q.Keys())
	}
}

func TestQueue_KeysIndependent(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	if !isClosed(q.Enqueue("b")) {
		t.Fatal("a busy key must not block another key")
	}
	if got := q.Keys(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Keys = %v", got)
	}
}

func TestQueue_ReleaseIdleNoop(t *testing.T) {
	q := NewQueue()
	q.Release("nobody")
	if len(q.Keys()) != 0 {
		t.Fatal("release on unknown key should do nothing")
	}
}

func TestQueue_NoOverlapUnderLoad(t *testing.T) {
	q := NewQueue()
	var running, maxRunning atomic.Int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)
		ch := q.Enqueue("k")
		go func(i int, ch <-chan struct{}) {
			defer wg.Done()
			<-ch
			n := running.Add(1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			running.Add(-1)
			q.Release("k")
		}(i, ch)
	}
	wg.Wait()

	if maxRunning.Load() != 1 {
		t.Fatalf("max concurrent = %d, want 1", maxRunning.Load())
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want arrival order", order)
		}
	}
}

func TestQueue_ClearUnblocksWaiters(t *testing.T) {
	q := NewQueue()
	if err := q.Acquire(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 3)
	for range 3 {
		go func() { errs <- q.Acquire(context.Background(), "a") }()
	}
	deadline := time.Now().Add(time.Second)
	for q.Len("a") < 3 {
		if time.Now().After(deadline) {
			t.Fatal("waiters never queued")
		}
		time.Sleep(time.Millisecond)
	}

	q.Clear()
	for range 3 {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrCleared) {
				t.Fatalf("err = %v, want ErrCleared", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Clear")
		}
	}

	// The holder's Release still ends its turn cleanly.
	q.Release("a")
	if len(q.Keys()) != 0 {
		t.Fatalf("keys left after release: %v", q.Keys())
	}
}

func TestQueue_AcquireCancelledWithdraws(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Acquire(ctx, "a") }()
	for q.Len("a") == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if q.Len("a") != 0 {
		t.Fatal("cancelled waiter should be withdrawn")
	}

	next := q.Enqueue("a")
	q.Release("a")
	if !isClosed(next) {
		t.Fatal("key stalled after cancelled waiter")
	}
}
