package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"waagent/internal/bus"
	"waagent/internal/domain"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Emit(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) has(t domain.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// fakeBridge accepts bridge connections, sends the greeting frames and hands
// every frame the client writes to onFrame.
type fakeBridge struct {
	srv         *httptest.Server
	connections atomic.Int32
	dropFirst   atomic.Bool
	frames      chan bridgeFrame
}

func newFakeBridge(t *testing.T, greeting []bridgeFrame, onFrame func(conn *websocket.Conn, f bridgeFrame)) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{frames: make(chan bridgeFrame, 16)}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := fb.connections.Add(1)
		for _, f := range greeting {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		if n == 1 && fb.dropFirst.Load() {
			return
		}
		for {
			var f bridgeFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fb.frames <- f
			if onFrame != nil {
				onFrame(conn, f)
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func nextMessage(t *testing.T, ch <-chan domain.InboundMessage) domain.InboundMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound message")
	}
	return domain.InboundMessage{}
}

func nextFrame(t *testing.T, fb *fakeBridge) bridgeFrame {
	t.Helper()
	select {
	case f := <-fb.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the bridge")
	}
	return bridgeFrame{}
}

func TestWhatsApp_ReceiveSendAndEcho(t *testing.T) {
	greeting := []bridgeFrame{
		{Type: "qr", QR: "2@abc"},
		{Type: "authenticated"},
		{Type: "ready"},
		{Type: "message", ID: "m1", From: "15550100@s.whatsapp.net", Content: "hi", Timestamp: 1700000000},
	}
	// Echo every outbound message back the way WhatsApp reports own messages.
	fb := newFakeBridge(t, greeting, func(conn *websocket.Conn, f bridgeFrame) {
		if f.Type == "message" {
			_ = conn.WriteJSON(bridgeFrame{Type: "message", ID: f.ID, From: f.To, Content: f.Content, FromMe: true})
		}
	})

	events := &eventRecorder{}
	wa := NewWhatsApp(WhatsAppConfig{BridgeURL: fb.url(), Events: events, Logger: testLogger()})
	b := bus.New(16, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- wa.Start(ctx, b) }()

	in := nextMessage(t, b.Subscribe())
	if in.ID != "m1" || in.SenderKey != "15550100@s.whatsapp.net" || in.Text != "hi" || in.Group || in.FromSelf {
		t.Fatalf("inbound = %+v", in)
	}
	if !in.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp = %v", in.Timestamp)
	}

	waitFor(t, "ready", wa.Ready)
	if !events.has(domain.EventQR) || !events.has(domain.EventAuthenticated) || !events.has(domain.EventReady) {
		t.Errorf("missing lifecycle events: %+v", events.events)
	}

	if err := wa.Send(ctx, "15550100@s.whatsapp.net", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := nextFrame(t, fb)
	if out.Type != "message" || out.To != "15550100@s.whatsapp.net" || out.Content != "hello" || out.ID == "" {
		t.Fatalf("outbound frame = %+v", out)
	}

	echo := nextMessage(t, b.Subscribe())
	if !echo.FromSelf || echo.ID != out.ID {
		t.Fatalf("echo = %+v", echo)
	}

	if err := wa.SendTyping(ctx, "15550100@s.whatsapp.net"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if f := nextFrame(t, fb); f.Type != "typing" || f.To != "15550100@s.whatsapp.net" {
		t.Fatalf("typing frame = %+v", f)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestWhatsApp_JoinsGroupAfterReady(t *testing.T) {
	fb := newFakeBridge(t, []bridgeFrame{{Type: "ready"}}, func(conn *websocket.Conn, f bridgeFrame) {
		if f.Type == "join" {
			_ = conn.WriteJSON(bridgeFrame{Type: "joined", Group: "120363@g.us"})
			_ = conn.WriteJSON(bridgeFrame{Type: "message", ID: "g1", From: "15550100@s.whatsapp.net",
				Chat: "120363@g.us", Content: "@ai hello"})
		}
	})

	joined := make(chan string, 1)
	wa := NewWhatsApp(WhatsAppConfig{
		BridgeURL:     fb.url(),
		JoinGroup:     "https://chat.whatsapp.com/AbC123xyz",
		OnGroupJoined: func(addr string) { joined <- addr },
		Logger:        testLogger(),
	})
	b := bus.New(16, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = wa.Start(ctx, b) }()

	if f := nextFrame(t, fb); f.Type != "join" || f.Invite != "AbC123xyz" {
		t.Fatalf("join frame = %+v", f)
	}
	select {
	case addr := <-joined:
		if addr != "120363@g.us" {
			t.Fatalf("joined %q", addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnGroupJoined not called")
	}
	if wa.GroupAddress() != "120363@g.us" {
		t.Errorf("GroupAddress = %q", wa.GroupAddress())
	}

	in := nextMessage(t, b.Subscribe())
	if !in.Group || in.SenderKey != "120363@g.us" || in.Participant != "15550100@s.whatsapp.net" {
		t.Fatalf("group message = %+v", in)
	}
}

func TestWhatsApp_ReconnectsAfterDrop(t *testing.T) {
	fb := newFakeBridge(t, []bridgeFrame{{Type: "ready"}}, nil)
	fb.dropFirst.Store(true)

	events := &eventRecorder{}
	wa := NewWhatsApp(WhatsAppConfig{BridgeURL: fb.url(), Events: events, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = wa.Start(ctx, bus.New(4, testLogger())) }()

	waitFor(t, "reconnect", func() bool { return fb.connections.Load() >= 2 })
	if !events.has(domain.EventDisconnected) {
		t.Error("expected a disconnected event")
	}
}

func TestWhatsApp_CancelClosesIdleConnection(t *testing.T) {
	fb := newFakeBridge(t, []bridgeFrame{{Type: "ready"}}, nil)

	events := &eventRecorder{}
	wa := NewWhatsApp(WhatsAppConfig{BridgeURL: fb.url(), Events: events, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wa.Start(ctx, bus.New(4, testLogger())) }()

	waitFor(t, "ready", wa.Ready)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start kept reading after cancel")
	}
	if wa.Ready() {
		t.Error("still ready after cancel")
	}
	if events.has(domain.EventDisconnected) {
		t.Error("cancel reported as a disconnect")
	}
	if n := fb.connections.Load(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestWhatsApp_SendBeforeReady(t *testing.T) {
	wa := NewWhatsApp(WhatsAppConfig{BridgeURL: "ws://127.0.0.1:1", Logger: testLogger()})
	if err := wa.Send(context.Background(), "x", "y"); !errors.Is(err, domain.ErrTransportNotReady) {
		t.Fatalf("Send err = %v", err)
	}
	if err := wa.SendTyping(context.Background(), "x"); !errors.Is(err, domain.ErrTransportNotReady) {
		t.Fatalf("SendTyping err = %v", err)
	}
}

func TestExtractInviteCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://chat.whatsapp.com/AbC123", "AbC123"},
		{"chat.whatsapp.com/AbC123/", "AbC123"},
		{"https://chat.whatsapp.com/invite/AbC123?src=qr", "AbC123"},
		{"  AbC123 ", "AbC123"},
	}
	for _, tt := range tests {
		if got := ExtractInviteCode(tt.in); got != tt.want {
			t.Errorf("ExtractInviteCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
