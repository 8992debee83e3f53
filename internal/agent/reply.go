package agent

import (
	"context"
	"fmt"
	"strings"

	"waagent/internal/chunk"
	"waagent/internal/domain"
	"waagent/internal/permission"

	"golang.org/x/time/rate"
)

// Reply prefixes text with the agent identity, splits it into chunks and
// sends them in order, pacing multi-chunk replies. A transport that is not
// ready yields domain.ErrTransportNotReady.
func (d *Dispatcher) Reply(ctx context.Context, to, text string) error {
	full := text
	if d.identity.Name != "" {
		full = d.identity.Prefix() + text
	}
	chunks := chunk.Chunk(full, d.chunkSize)

	// Burst of one: the first chunk goes out at once, the rest wait chunkDelay.
	pacer := rate.NewLimiter(rate.Every(d.chunkDelay), 1)
	for i, c := range chunks {
		if len(chunks) > 1 {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
		}
		if err := d.transport.Send(ctx, to, c); err != nil {
			return fmt.Errorf("send chunk %d/%d to %s: %w", i+1, len(chunks), to, err)
		}
	}

	d.logger.Debug("response sent", "to", to, "chunks", len(chunks))
	d.events.Emit(domain.Event{Type: domain.EventResponseSent, Source: d.transport.Name(), To: to, Text: text})
	return nil
}

// reply is Reply for messages whose delivery failure is only logged.
func (d *Dispatcher) reply(ctx context.Context, to, text string) {
	if err := d.Reply(ctx, to, text); err != nil {
		d.logger.Warn("reply failed", "to", to, "err", err)
	}
}

type replyToKey struct{}

func withReplyTo(ctx context.Context, to string) context.Context {
	return context.WithValue(ctx, replyToKey{}, to)
}

func replyTo(ctx context.Context) string {
	to, _ := ctx.Value(replyToKey{}).(string)
	return to
}

// askPermission is the backend's permission hook.
func (d *Dispatcher) askPermission(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
	return d.broker.RequestPermission(ctx, toolName, description, input)
}

// announcePermission is the broker's notifier: it raises the event and asks
// the chat whose query triggered the request.
func (d *Dispatcher) announcePermission(ctx context.Context, req permission.Request) {
	d.events.Emit(domain.Event{Type: domain.EventPermissionRequest, Source: "broker", Request: &req})
	to := replyTo(ctx)
	if to == "" {
		d.logger.Warn("permission request without a chat to ask", "id", req.ID, "tool", req.ToolName)
		return
	}
	d.reply(ctx, to, permissionPrompt(req))
}

func permissionPrompt(req permission.Request) string {
	var sb strings.Builder
	sb.WriteString("🔐 *Permission Request*\n\n")
	fmt.Fprintf(&sb, "Claude wants to use *%s*", req.ToolName)
	if req.Description != "" {
		sb.WriteString(":\n")
		sb.WriteString(req.Description)
	}
	id := shortID(req.ID)
	fmt.Fprintf(&sb, "\n\nReply *yes* to allow or *no* to deny.\nRequest id: %s (/allow %s, /deny %s)", id, id, id)
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
