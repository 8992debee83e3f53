// Package eventsink forwards the agent's event stream to a RabbitMQ topic
// exchange as JSON envelopes.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"waagent/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
)

// Envelope is the message body published for every event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// EventData is the payload of an event envelope. Only the fields of the
// event's variant are set.
type EventData struct {
	Source      string         `json:"source,omitempty"`
	QR          string         `json:"qr,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	Sender      string         `json:"sender,omitempty"`
	Participant string         `json:"participant,omitempty"`
	Text        string         `json:"text,omitempty"`
	To          string         `json:"to,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Error       string         `json:"error,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Publisher sends one envelope under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// BuildEnvelope converts an event into its published form.
func BuildEnvelope(e domain.Event, producer string) Envelope {
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: producer,
		Time:     e.Time.UTC(),
		Type:     string(e.Type),
	}
	if e.Time.IsZero() {
		meta.Time = time.Now().UTC()
	}

	data := EventData{Source: e.Source, QR: e.QR, To: e.To, Reason: e.Reason}
	if e.Type == domain.EventResponseSent {
		data.Text = e.Text
	}
	if m := e.Message; m != nil {
		data.MessageID = m.ID
		data.Sender = m.SenderKey
		data.Participant = m.Participant
		data.Text = m.Text
		meta.CorrelationID = m.ID
	}
	if r := e.Request; r != nil {
		data.RequestID = r.ID
		data.ToolName = r.ToolName
		data.Description = r.Description
		data.Input = r.Input
		meta.CorrelationID = r.ID
	}
	if e.Err != nil {
		data.Error = e.Err.Error()
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = meta.ID
	}
	return Envelope{Meta: meta, Data: data}
}

// RoutingKey is "<prefix>.<event type>", or just the type without a prefix.
func RoutingKey(prefix string, t domain.EventType) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

// Sink is a domain.EventSink that publishes asynchronously. Emit never
// blocks the caller; events are dropped with a warning when the buffer is full.
type Sink struct {
	pub      Publisher
	prefix   string
	producer string
	logger   *slog.Logger

	queue     chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type SinkConfig struct {
	RoutingPrefix string
	Producer      string
	Buffer        int
	Logger        *slog.Logger
}

func NewSink(pub Publisher, cfg SinkConfig) *Sink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Sink{
		pub:      pub,
		prefix:   cfg.RoutingPrefix,
		producer: cfg.Producer,
		logger:   cfg.Logger,
		queue:    make(chan domain.Event, cfg.Buffer),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) Emit(e domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("event sink buffer full, dropping event", "event", e.Type)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.queue {
		key := RoutingKey(s.prefix, e.Type)
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.pub.Publish(ctx, key, BuildEnvelope(e, s.producer))
		cancel()
		if err != nil {
			s.logger.Warn("event publish failed", "key", key, "err", err)
		}
	}
}

// Close drains queued events and closes the publisher.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
		err = s.pub.Close()
	})
	return err
}

var _ domain.EventSink = (*Sink)(nil)

// RabbitMQ publishes envelopes to a durable topic exchange and waits for the
// broker's confirmation of each one.
type RabbitMQ struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// DialRabbitMQ connects, declares the exchange and enables publisher confirms.
func DialRabbitMQ(url, exchange string, logger *slog.Logger) (*RabbitMQ, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	r := &RabbitMQ{conn: conn, exchange: exchange, logger: logger}
	if err := r.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) openChannel() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}
	r.ch = ch
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil || r.ch.IsClosed() {
		if err := r.openChannel(); err != nil {
			return err
		}
	}

	dc, err := r.ch.PublishWithDeferredConfirmWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}
	if !acked {
		return errors.New("broker nacked " + key)
	}
	r.logger.Debug("event published", "key", key, "exchange", r.exchange)
	return nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
	}
	return r.conn.Close()
}
