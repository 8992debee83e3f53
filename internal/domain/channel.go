package domain

import "context"

// Transport is a chat network connection (WhatsApp bridge, Telegram, console).
type Transport interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, to string, text string) error
	SendTyping(ctx context.Context, to string) error
	Ready() bool
}
