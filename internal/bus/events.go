package bus

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"waagent/internal/domain"
)

// AllEvents subscribes a handler to every event type.
const AllEvents domain.EventType = "*"

// EventHandler is a callback for events.
type EventHandler func(domain.Event)

// EventBus delivers each event synchronously to the handlers registered for
// its type and then to the AllEvents handlers, in registration order.
type EventBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[domain.EventType][]EventHandler
	counts   map[domain.EventType]int
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger:   logger,
		handlers: make(map[domain.EventType][]EventHandler),
		counts:   make(map[domain.EventType]int),
	}
}

// On registers handler for eventType, or for everything with AllEvents.
func (eb *EventBus) On(eventType domain.EventType, handler EventHandler) {
	eb.mu.Lock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	eb.mu.Unlock()
}

// Subscribe attaches a sink to every event.
func (eb *EventBus) Subscribe(sink domain.EventSink) {
	eb.On(AllEvents, sink.Emit)
}

// Emit stamps the event if needed and runs its handlers. A panicking handler
// is logged and skipped.
func (eb *EventBus) Emit(event domain.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.Lock()
	eb.counts[event.Type]++
	typed, all := eb.handlers[event.Type], eb.handlers[AllEvents]
	eb.mu.Unlock()

	for _, h := range typed {
		eb.call(event, h)
	}
	for _, h := range all {
		eb.call(event, h)
	}
}

func (eb *EventBus) call(event domain.Event, h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "panic", r)
		}
	}()
	h(event)
}

// Counts returns how many events of each type were emitted so far.
func (eb *EventBus) Counts() map[domain.EventType]int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return maps.Clone(eb.counts)
}

var _ domain.EventSink = (*EventBus)(nil)

// LogHandler writes each event to logger at a level that matches its kind.
func LogHandler(logger *slog.Logger) EventHandler {
	return func(e domain.Event) {
		switch e.Type {
		case domain.EventQR:
			logger.Info("scan the QR code with the phone to link this agent", "source", e.Source)
		case domain.EventAuthenticated, domain.EventReady:
			logger.Info("transport "+string(e.Type), "source", e.Source)
		case domain.EventMessageReceived:
			if e.Message != nil {
				logger.Debug("message received", "source", e.Source, "sender", e.Message.SenderKey,
					"group", e.Message.Group, "len", len(e.Message.Text))
			}
		case domain.EventResponseSent:
			logger.Debug("response sent", "to", e.To, "len", len(e.Text))
		case domain.EventPermissionRequest:
			if e.Request != nil {
				logger.Info("permission requested", "id", e.Request.ID, "tool", e.Request.ToolName)
			}
		case domain.EventError:
			logger.Error("agent error", "source", e.Source, "err", e.Err)
		case domain.EventDisconnected:
			logger.Warn("transport disconnected", "source", e.Source, "reason", e.Reason)
		}
	}
}
