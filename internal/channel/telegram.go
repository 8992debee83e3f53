package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"waagent/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxSendRetries = 3

// Telegram is a long-polling bot transport. The chat id is the sender key.
type Telegram struct {
	cfg    TelegramConfig
	sent   *SentIDs
	logger *slog.Logger

	mu    sync.Mutex
	bot   *tgbotapi.BotAPI
	bus   domain.MessageBus
	ready atomic.Bool
}

type TelegramConfig struct {
	Token       string
	APIEndpoint string // tgbotapi endpoint format; empty uses api.telegram.org
	ParseMode   string // "" sends plain text
	Events      domain.EventSink
	Sent        *SentIDs
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = domain.EventSinkFunc(func(domain.Event) {})
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Sent == nil {
		cfg.Sent = NewSentIDs(0, 0)
	}
	return &Telegram{cfg: cfg, sent: cfg.Sent, logger: cfg.Logger}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Ready() bool { return t.ready.Load() }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.mu.Lock()
	t.bus = bus
	t.mu.Unlock()

	bot, err := t.connect()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.ready.Store(true)
	t.cfg.Events.Emit(domain.Event{Type: domain.EventReady, Source: t.Name()})
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram transport stopping")
			t.ready.Store(false)
			bot.StopReceivingUpdates()
			t.cfg.Events.Emit(domain.Event{Type: domain.EventDisconnected, Source: t.Name(), Reason: "stopped"})
			return nil
		case update, ok := <-updates:
			if !ok {
				t.ready.Store(false)
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.Token, t.cfg.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.cfg.Events.Emit(domain.Event{Type: domain.EventAuthenticated, Source: t.Name()})
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return bot, nil
}

func (t *Telegram) client() *tgbotapi.BotAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

func (t *Telegram) Send(ctx context.Context, to, text string) error {
	bot := t.client()
	if bot == nil || !t.Ready() {
		return fmt.Errorf("telegram send: %w", domain.ErrTransportNotReady)
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", to, err)
	}
	return t.sendChunk(ctx, bot, chatID, text)
}

func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	bot := t.client()
	if bot == nil || !t.Ready() {
		return fmt.Errorf("telegram typing: %w", domain.ErrTransportNotReady)
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", to, err)
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	// "/status@botname" is how commands arrive in groups.
	if msg.IsCommand() {
		text = strings.TrimSpace("/" + msg.Command() + " " + msg.CommandArguments())
		if msg.Command() == "start" {
			text = "/help"
		}
	}

	id := strconv.Itoa(msg.MessageID)
	fromSelf := t.sent.Seen(t.sentKey(msg.Chat.ID, msg.MessageID))
	if bot := t.client(); bot != nil && msg.From.ID == bot.Self.ID {
		fromSelf = true
	}

	in := domain.InboundMessage{
		ID:        strconv.FormatInt(msg.Chat.ID, 10) + ":" + id,
		Channel:   t.Name(),
		SenderKey: strconv.FormatInt(msg.Chat.ID, 10),
		Text:      text,
		Timestamp: msg.Time(),
		FromSelf:  fromSelf,
		Group:     msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if in.Group {
		in.Participant = strconv.FormatInt(msg.From.ID, 10)
	}

	t.logger.Debug("telegram message received", "chat_id", msg.Chat.ID, "user_id", msg.From.ID, "text_len", len(text))

	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus != nil {
		bus.Publish(in)
	}
}

func (t *Telegram) sentKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// sendChunk sends one message, falling back to plain text when the parse
// mode rejects it and backing off on rate limits.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = t.cfg.ParseMode
		}

		sent, err := bot.Send(msg)
		if err == nil {
			t.sent.Add(t.sentKey(chatID, sent.MessageID))
			return nil
		}
		lastErr = err
		errStr := err.Error()

		var wait time.Duration
		switch {
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			wait = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities"):
			t.logger.Warn("telegram parse error, retrying as plain text", "err", err, "parse_mode", msg.ParseMode)
			continue
		default:
			wait = time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

var _ domain.Transport = (*Telegram)(nil)
