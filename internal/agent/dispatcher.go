// Package agent is the dispatch core: it takes inbound chat messages through
// access control, per-sender ordering, permission replies, commands and
// targeting to the backend, and delivers the answer back in chunks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"waagent/internal/access"
	"waagent/internal/domain"
	"waagent/internal/permission"
	"waagent/internal/session"
	"waagent/internal/targeting"
)

const (
	defaultChunkDelay      = 500 * time.Millisecond
	defaultMissedThreshold = 60 * time.Minute
)

type DispatcherConfig struct {
	Transport domain.Transport
	Backend   domain.Backend
	Broker    *permission.Broker
	Queue     *session.Queue
	Window    *session.Window
	Policy    access.Policy
	Identity  domain.AgentIdentity
	Events    domain.EventSink
	Logger    *slog.Logger

	Mode      domain.PermissionMode // applied to the backend when set
	Model     string
	Directory string
	// GroupMode requires targeting even before a group address is known.
	GroupMode bool

	ProcessMissed   bool
	MissedThreshold time.Duration
	StartTime       time.Time

	ChunkSize int
	// ChunkDelay paces multi-chunk replies; zero means 500ms, negative
	// sends every chunk at once.
	ChunkDelay time.Duration
	Clock      func() time.Time
}

// Dispatcher owns one chat session: its queue, window and pending
// permissions.
type Dispatcher struct {
	transport domain.Transport
	backend   domain.Backend
	broker    *permission.Broker
	queue     *session.Queue
	window    *session.Window
	identity  domain.AgentIdentity
	events    domain.EventSink
	logger    *slog.Logger

	model           string
	directory       string
	groupMode       bool
	processMissed   bool
	missedThreshold time.Duration
	startTime       time.Time
	chunkSize       int
	chunkDelay      time.Duration
	now             func() time.Time

	mu     sync.RWMutex
	policy access.Policy

	wg sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = domain.EventSinkFunc(func(domain.Event) {})
	}
	if cfg.Queue == nil {
		cfg.Queue = session.NewQueue()
	}
	if cfg.Window == nil {
		cfg.Window = session.NewWindow(0)
	}
	if cfg.Broker == nil {
		cfg.Broker = permission.NewBroker(permission.Config{Logger: cfg.Logger})
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = cfg.Clock()
	}
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = defaultMissedThreshold
	}
	switch {
	case cfg.ChunkDelay == 0:
		cfg.ChunkDelay = defaultChunkDelay
	case cfg.ChunkDelay < 0:
		cfg.ChunkDelay = 0
	}

	d := &Dispatcher{
		transport:       cfg.Transport,
		backend:         cfg.Backend,
		broker:          cfg.Broker,
		queue:           cfg.Queue,
		window:          cfg.Window,
		identity:        cfg.Identity,
		events:          cfg.Events,
		logger:          cfg.Logger,
		model:           cfg.Model,
		directory:       cfg.Directory,
		groupMode:       cfg.GroupMode,
		processMissed:   cfg.ProcessMissed,
		missedThreshold: cfg.MissedThreshold,
		startTime:       cfg.StartTime,
		chunkSize:       cfg.ChunkSize,
		chunkDelay:      cfg.ChunkDelay,
		now:             cfg.Clock,
		policy:          cfg.Policy,
	}

	if cfg.Mode != "" {
		d.backend.SetMode(cfg.Mode)
	}
	d.backend.SetPermissionFunc(d.askPermission)
	d.broker.SetNotifier(d.announcePermission)
	return d
}

// SetWhitelist replaces the whitelist used for access checks.
func (d *Dispatcher) SetWhitelist(whitelist []string) {
	d.mu.Lock()
	d.policy.Whitelist = append([]string(nil), whitelist...)
	d.mu.Unlock()
	d.logger.Info("whitelist updated", "entries", len(whitelist))
}

// SetGroupAddress switches the session to group mode for address.
func (d *Dispatcher) SetGroupAddress(address string) {
	d.mu.Lock()
	d.policy.GroupAddress = address
	d.mu.Unlock()
	d.logger.Info("group mode enabled", "group", address)
}

// SetMode changes the backend's permission mode.
func (d *Dispatcher) SetMode(mode domain.PermissionMode) {
	d.backend.SetMode(mode)
}

func (d *Dispatcher) currentPolicy() access.Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

func (d *Dispatcher) inGroupMode() bool {
	return d.groupMode || d.currentPolicy().GroupMode()
}

// Run handles every message from inbound, each in its own goroutine, until
// ctx ends or inbound is closed. It returns after in-flight messages finish.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan domain.InboundMessage) {
	d.logger.Info("dispatcher started", "transport", d.transport.Name(), "backend", d.backend.Name())
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound closed, dispatcher stopping")
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				_ = d.Handle(ctx, msg)
			}()
		}
	}
}

// Handle processes one inbound message. Every failure after the message is
// accepted is reported to the sender once, and the sender's queue slot is
// always released.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) (err error) {
	if !d.accept(msg) {
		return nil
	}
	d.events.Emit(domain.Event{Type: domain.EventMessageReceived, Source: msg.Channel, Message: &msg})

	// A sender must be able to answer the prompt its own running query
	// raised, so replies to pending permissions skip the queue.
	if d.interceptPermission(ctx, msg) {
		return nil
	}

	if err := d.queue.Acquire(ctx, msg.SenderKey); err != nil {
		if errors.Is(err, session.ErrCleared) {
			return nil
		}
		return err
	}
	defer d.queue.Release(msg.SenderKey)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.logger.Error("message handler panic", "sender", msg.SenderKey, "panic", r)
			d.fail(ctx, msg, err)
		}
	}()

	if err = d.process(ctx, msg); err != nil && ctx.Err() == nil {
		d.fail(ctx, msg, err)
	}
	return err
}

func (d *Dispatcher) fail(ctx context.Context, msg domain.InboundMessage, err error) {
	d.logger.Error("error processing message", "sender", msg.SenderKey, "err", err)
	d.events.Emit(domain.Event{Type: domain.EventError, Source: "dispatcher", Err: err})
	if sendErr := d.Reply(ctx, msg.SenderKey, "❌ An error occurred: "+err.Error()); sendErr != nil {
		d.logger.Warn("failed to deliver error notice", "sender", msg.SenderKey, "err", sendErr)
	}
}

// accept applies self-echo, access and missed-message filtering.
func (d *Dispatcher) accept(msg domain.InboundMessage) bool {
	if msg.FromSelf {
		d.logger.Debug("ignoring message sent by this agent", "id", msg.ID)
		return false
	}

	decision := d.currentPolicy().Check(msg)
	if !decision.Allowed {
		d.logger.Warn("blocked message", "sender", msg.SenderKey, "participant", msg.Participant, "reason", decision.Reason)
		if decision.Hint != "" {
			d.logger.Info("hint: " + decision.Hint)
		}
		return false
	}

	if msg.Timestamp.Before(d.startTime) {
		if !d.processMissed {
			d.logger.Debug("ignoring missed message (processMissed disabled)", "sender", msg.SenderKey)
			return false
		}
		if d.now().Sub(msg.Timestamp) > d.missedThreshold {
			d.logger.Debug("ignoring missed message outside threshold", "sender", msg.SenderKey, "threshold", d.missedThreshold)
			return false
		}
		d.logger.Info("processing missed message", "sender", msg.SenderKey)
	}

	d.logger.Info("message received", "from", msg.Author(), "text", preview(msg.Text, 50))
	return true
}

// interceptPermission resolves pending permissions from free-text replies and
// from the permission commands.
func (d *Dispatcher) interceptPermission(ctx context.Context, msg domain.InboundMessage) bool {
	if d.broker.PendingCount() > 0 && d.broker.TryResolveFromMessage(msg.Text) {
		d.logger.Info("permission resolved from reply", "sender", msg.Author())
		return true
	}
	cmd := ParseCommand(msg.Text)
	if cmd == nil || !cmd.bypassesQueue() {
		return false
	}
	d.reply(ctx, msg.SenderKey, d.HandleCommand(cmd))
	return true
}

func (d *Dispatcher) process(ctx context.Context, msg domain.InboundMessage) error {
	to := msg.SenderKey

	cmd := ParseCommand(msg.Text)
	if cmd != nil && cmd.Name != "ask" {
		return d.Reply(ctx, to, d.HandleCommand(cmd))
	}

	prompt := msg.Text
	if d.inGroupMode() || cmd != nil {
		res := targeting.Parse(msg.Text, d.identity.Name)
		if !res.IsTargeted && cmd != nil {
			return d.Reply(ctx, to, d.usageHint())
		}
		if !res.IsTargeted {
			d.logger.Debug("message not addressed to this agent", "sender", msg.Author())
			return nil
		}
		if res.CleanMessage == "" {
			return d.Reply(ctx, to, d.usageHint())
		}
		prompt = res.CleanMessage
	}

	if err := d.transport.SendTyping(ctx, to); err != nil {
		d.logger.Debug("typing indicator failed", "to", to, "err", err)
	}

	d.window.AddUser(prompt, msg.Timestamp)

	qctx := withReplyTo(ctx, to)
	d.logger.Info("sending query to backend", "backend", d.backend.Name(), "history", d.window.Len())
	resp, err := d.backend.Query(qctx, prompt, d.window.History())
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if resp != nil && resp.Error != "" {
		d.events.Emit(domain.Event{Type: domain.EventError, Source: "backend", Err: errors.New(resp.Error)})
		return d.Reply(ctx, to, "❌ Error: "+resp.Error)
	}
	if err != nil {
		if errors.Is(err, domain.ErrBackend) {
			d.events.Emit(domain.Event{Type: domain.EventError, Source: "backend", Err: err})
			return d.Reply(ctx, to, "❌ Error: "+err.Error())
		}
		return err
	}

	d.window.AddAssistant(resp.Text)
	if len(resp.ToolsUsed) > 0 {
		d.logger.Debug("tools used", "tools", strings.Join(resp.ToolsUsed, ", "))
	}
	d.logger.Info("backend response received", "chars", len(resp.Text))
	return d.Reply(ctx, to, resp.Text)
}

func (d *Dispatcher) usageHint() string {
	name := strings.Join(strings.Fields(d.identity.Name), "")
	if name == "" {
		return "Mention me with @ai <message> or /ask <message>."
	}
	return fmt.Sprintf("Mention me with @%s <message>, @ai <message> or /ask <message>.", name)
}

// Shutdown releases every waiter, denies pending permissions and forgets the
// conversation.
func (d *Dispatcher) Shutdown() {
	d.queue.Clear()
	cancelled := d.broker.CancelAll()
	d.window.Clear()
	d.logger.Info("dispatcher shut down", "cancelled_permissions", cancelled)
}

// PendingPermissions returns how many tool approvals are outstanding.
func (d *Dispatcher) PendingPermissions() int {
	return d.broker.PendingCount()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
