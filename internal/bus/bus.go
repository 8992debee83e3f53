// Package bus connects transports to the dispatcher (InMemoryBus) and fans
// outward notifications out to their sinks (EventBus).
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"waagent/internal/domain"
)

const defaultInboundBuffer = 100

// fullWait is how long Publish holds a message while the buffer is full.
var fullWait = 10 * time.Second

// InMemoryBus hands inbound messages to a single consumer in arrival order.
// A full buffer applies back-pressure to the transport for fullWait, after
// which the message is dropped and counted.
type InMemoryBus struct {
	logger *slog.Logger

	mu     sync.RWMutex // held for reading while sending, for writing on Close
	ch     chan domain.InboundMessage
	closed bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New returns a bus buffering up to size messages (100 when size <= 0).
func New(size int, logger *slog.Logger) *InMemoryBus {
	if size <= 0 {
		size = defaultInboundBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{ch: make(chan domain.InboundMessage, size), logger: logger}
}

func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		b.logger.Debug("bus closed, dropping message", "channel", msg.Channel, "id", msg.ID)
		return
	}

	select {
	case b.ch <- msg:
		b.delivered.Add(1)
		return
	default:
	}

	b.logger.Warn("inbound bus full, holding message", "channel", msg.Channel, "sender", msg.SenderKey, "backlog", len(b.ch))
	t := time.NewTimer(fullWait)
	defer t.Stop()
	select {
	case b.ch <- msg:
		b.delivered.Add(1)
	case <-t.C:
		b.dropped.Add(1)
		b.logger.Error("inbound bus full, message dropped", "channel", msg.Channel, "sender", msg.SenderKey, "waited", fullWait)
	}
}

// Subscribe returns the consumer end. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage { return b.ch }

// Stats reports how many messages were queued and how many were lost.
func (b *InMemoryBus) Stats() (delivered, dropped int64) {
	return b.delivered.Load(), b.dropped.Load()
}

// Close stops accepting messages. Buffered messages stay readable.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

var _ domain.MessageBus = (*InMemoryBus)(nil)
