package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"waagent/internal/domain"
)

// ConsoleSender is the sender key of every console message.
const ConsoleSender = "console"

// Console is a stdin/stdout transport for local chats.
type Console struct {
	in     io.Reader
	out    io.Writer
	onQuit func()
	logger *slog.Logger

	outMu     sync.Mutex
	ready     atomic.Bool
	seq       atomic.Int64
	thinking  bool
	thinkStop chan struct{}
}

type ConsoleConfig struct {
	In     io.Reader
	Out    io.Writer
	OnQuit func() // called on /quit or end of input
	Logger *slog.Logger
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{in: cfg.In, out: cfg.Out, onQuit: cfg.OnQuit, logger: cfg.Logger}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Ready() bool { return c.ready.Load() }

// Start reads lines until ctx is cancelled, input ends, or the user quits.
func (c *Console) Start(ctx context.Context, bus domain.MessageBus) error {
	c.ready.Store(true)
	defer c.ready.Store(false)

	c.print("waagent console. Type a message and press Enter; /quit exits.\nYou> ")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			c.quit()
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.print("You> ")
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				c.quit()
				return nil
			}
			bus.Publish(domain.InboundMessage{
				ID:        strconv.FormatInt(c.seq.Add(1), 10),
				Channel:   c.Name(),
				SenderKey: ConsoleSender,
				Text:      line,
				Timestamp: time.Now(),
			})
		}
	}
}

func (c *Console) quit() {
	if c.onQuit != nil {
		c.onQuit()
	}
}

func (c *Console) Stop() error {
	c.stopThinking()
	c.ready.Store(false)
	return nil
}

func (c *Console) Send(_ context.Context, _ string, text string) error {
	if !c.Ready() {
		return fmt.Errorf("console send: %w", domain.ErrTransportNotReady)
	}
	c.stopThinking()
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, "\r\033[K%s\nYou> ", text)
	return err
}

// SendTyping shows a spinner until the next Send.
func (c *Console) SendTyping(ctx context.Context, _ string) error {
	if !c.Ready() {
		return fmt.Errorf("console typing: %w", domain.ErrTransportNotReady)
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.thinking {
		return nil
	}
	c.thinking = true
	stop := make(chan struct{})
	c.thinkStop = stop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.outMu.Lock()
				select {
				case <-stop:
				default:
					fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				}
				c.outMu.Unlock()
			}
		}
	}()
	return nil
}

func (c *Console) stopThinking() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

func (c *Console) print(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprint(c.out, s)
}

var _ domain.Transport = (*Console)(nil)
