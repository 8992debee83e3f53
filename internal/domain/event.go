package domain

import "time"

// EventType tags the variants of Event.
type EventType string

const (
	EventQR                EventType = "qr"
	EventAuthenticated     EventType = "authenticated"
	EventReady             EventType = "ready"
	EventMessageReceived   EventType = "message-received"
	EventResponseSent      EventType = "response-sent"
	EventPermissionRequest EventType = "permission-request"
	EventError             EventType = "error"
	EventDisconnected      EventType = "disconnected"
)

// Event is the outward notification stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type   EventType
	Time   time.Time
	Source string // transport or component that raised it

	QR      string             // qr
	Message *InboundMessage    // message-received
	To      string             // response-sent
	Text    string             // response-sent
	Request *PermissionRequest // permission-request
	Err     error              // error
	Reason  string             // disconnected
}

// PermissionRequest is the outward view of a pending tool approval.
type PermissionRequest struct {
	ID          string
	ToolName    string
	Description string
	Input       map[string]any
	CreatedAt   time.Time
}

// EventSink receives every emitted event.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }
