package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"waagent/internal/access"
	"waagent/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	whatsappHandshakeTimeout = 10 * time.Second
	whatsappWriteTimeout     = 10 * time.Second
	whatsappMaxBackoff       = 30 * time.Second
)

// WhatsApp talks to a whatsapp-web bridge process over a JSON WebSocket. The
// bridge owns the WhatsApp protocol and the linked-device session.
type WhatsApp struct {
	cfg    WhatsAppConfig
	bus    domain.MessageBus
	sent   *SentIDs
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	group string

	writeMu sync.Mutex
	ready   atomic.Bool
	cancel  context.CancelFunc
}

type WhatsAppConfig struct {
	BridgeURL string
	JoinGroup string // invite link or code; empty stays in private mode
	Events    domain.EventSink
	// OnGroupJoined is called once the bridge confirms the group membership.
	OnGroupJoined func(address string)
	Sent          *SentIDs
	Logger        *slog.Logger
}

// bridgeFrame is every message exchanged with the bridge, in both directions.
type bridgeFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Ref         string `json:"ref,omitempty"`
	To          string `json:"to,omitempty"`
	Content     string `json:"content,omitempty"`
	From        string `json:"from,omitempty"`
	Chat        string `json:"chat,omitempty"`
	Participant string `json:"participant,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	FromMe      bool   `json:"from_me,omitempty"`
	QR          string `json:"qr,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Invite      string `json:"invite,omitempty"`
	Group       string `json:"group,omitempty"`
	Error       string `json:"error,omitempty"`
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = domain.EventSinkFunc(func(domain.Event) {})
	}
	if cfg.Sent == nil {
		cfg.Sent = NewSentIDs(0, 0)
	}
	return &WhatsApp{
		cfg:    cfg,
		sent:   cfg.Sent,
		dialer: &websocket.Dialer{HandshakeTimeout: whatsappHandshakeTimeout},
		logger: cfg.Logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Ready reports whether the bridge has announced a usable session.
func (w *WhatsApp) Ready() bool { return w.ready.Load() }

// GroupAddress returns the joined group, or "" in private mode.
func (w *WhatsApp) GroupAddress() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.group
}

// Start connects to the bridge and reads from it until ctx is cancelled,
// reconnecting with a doubling backoff.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	w.logger.Info("starting whatsapp transport", "bridge_url", w.cfg.BridgeURL)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := w.connect(ctx)
		if err != nil {
			w.logger.Warn("whatsapp bridge connection failed, will retry", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, whatsappMaxBackoff)
			continue
		}
		backoff = time.Second

		reason := w.readLoop(ctx, conn)
		w.dropConn(conn)
		if ctx.Err() != nil {
			return nil
		}
		w.cfg.Events.Emit(domain.Event{Type: domain.EventDisconnected, Source: w.Name(), Reason: reason})
	}
}

// Stop ends Start and closes the bridge connection.
func (w *WhatsApp) Stop() error {
	w.mu.Lock()
	cancel, conn := w.cancel, w.conn
	w.conn = nil
	w.mu.Unlock()

	w.ready.Store(false)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send delivers text to a chat address. The outbound id is remembered so the
// bridge's echo of it is flagged as self-originated.
func (w *WhatsApp) Send(ctx context.Context, to, text string) error {
	if !w.Ready() {
		return fmt.Errorf("whatsapp send: %w", domain.ErrTransportNotReady)
	}
	id := uuid.NewString()
	w.sent.Add(id)
	return w.write(ctx, bridgeFrame{Type: "message", ID: id, To: to, Content: text})
}

func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.Ready() {
		return fmt.Errorf("whatsapp typing: %w", domain.ErrTransportNotReady)
	}
	return w.write(ctx, bridgeFrame{Type: "typing", To: to})
}

func (w *WhatsApp) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.BridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", w.cfg.BridgeURL, err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.logger.Info("whatsapp bridge connected", "url", w.cfg.BridgeURL)
	return conn, nil
}

func (w *WhatsApp) dropConn(conn *websocket.Conn) {
	w.ready.Store(false)
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	_ = conn.Close()
}

// readLoop handles frames until the connection fails or ctx is cancelled and
// returns the reason.
func (w *WhatsApp) readLoop(ctx context.Context, conn *websocket.Conn) string {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("whatsapp read error, will reconnect", "err", err)
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text != "" {
				return ce.Text
			}
			return err.Error()
		}

		var f bridgeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn("invalid whatsapp bridge frame", "err", err)
			continue
		}
		w.handleFrame(ctx, f)
	}
}

func (w *WhatsApp) handleFrame(ctx context.Context, f bridgeFrame) {
	switch f.Type {
	case "message":
		w.handleMessage(f)
	case "qr":
		w.cfg.Events.Emit(domain.Event{Type: domain.EventQR, Source: w.Name(), QR: f.QR})
	case "authenticated":
		w.cfg.Events.Emit(domain.Event{Type: domain.EventAuthenticated, Source: w.Name()})
	case "ready":
		w.ready.Store(true)
		// Join only once per process; reconnects keep the group.
		if w.cfg.JoinGroup != "" && w.GroupAddress() == "" {
			invite := ExtractInviteCode(w.cfg.JoinGroup)
			w.logger.Info("joining whatsapp group", "invite", invite)
			if err := w.write(ctx, bridgeFrame{Type: "join", Invite: invite}); err != nil {
				w.logger.Error("failed to request group join", "err", err)
			}
		}
		w.cfg.Events.Emit(domain.Event{Type: domain.EventReady, Source: w.Name()})
	case "joined":
		w.setGroup(f.Group)
	case "sent":
		w.sent.Add(f.ID)
	case "disconnected":
		w.ready.Store(false)
		w.cfg.Events.Emit(domain.Event{Type: domain.EventDisconnected, Source: w.Name(), Reason: f.Reason})
	case "error":
		w.cfg.Events.Emit(domain.Event{Type: domain.EventError, Source: w.Name(), Err: errors.New(f.Error)})
	default:
		w.logger.Debug("ignoring whatsapp bridge frame", "type", f.Type)
	}
}

func (w *WhatsApp) setGroup(address string) {
	if address == "" {
		w.logger.Error("whatsapp group join returned no group address")
		return
	}
	w.mu.Lock()
	w.group = address
	w.mu.Unlock()
	w.logger.Info("listening only to whatsapp group; private messages will be ignored", "group", address)
	if w.cfg.OnGroupJoined != nil {
		w.cfg.OnGroupJoined(address)
	}
}

func (w *WhatsApp) handleMessage(f bridgeFrame) {
	if f.Content == "" || f.ID == "" || f.From == "" {
		w.logger.Debug("whatsapp frame without text content", "id", f.ID)
		return
	}
	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}
	group := access.IsGroupIdentity(chat)
	participant := f.Participant
	if group && participant == "" && f.From != chat {
		participant = f.From
	}

	if w.bus == nil {
		return
	}
	w.bus.Publish(domain.InboundMessage{
		ID:          f.ID,
		Channel:     w.Name(),
		SenderKey:   chat,
		Participant: participant,
		Text:        f.Content,
		Timestamp:   ts,
		FromSelf:    w.sent.Seen(f.ID),
		Group:       group,
	})
}

func (w *WhatsApp) write(ctx context.Context, f bridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected: %w", domain.ErrTransportNotReady)
	}

	deadline := time.Now().Add(whatsappWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp %s: %w", f.Type, err)
	}
	return nil
}

// ExtractInviteCode accepts a chat.whatsapp.com link or a bare invite code.
func ExtractInviteCode(urlOrCode string) string {
	s := strings.TrimSpace(urlOrCode)
	if i := strings.Index(s, "chat.whatsapp.com/"); i >= 0 {
		s = s[i+len("chat.whatsapp.com/"):]
		if j := strings.IndexAny(s, "?#"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimPrefix(s, "invite/")
	}
	return strings.Trim(s, "/")
}

var _ domain.Transport = (*WhatsApp)(nil)
