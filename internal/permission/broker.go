// Package permission correlates tool-approval requests raised by the backend
// with the human replies that resolve them.
package permission

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"waagent/internal/domain"
)

// Request is a pending approval.
type Request = domain.PermissionRequest

// Decision is how a request ended.
type Decision string

const (
	DecisionAllowed   Decision = "allowed"
	DecisionDenied    Decision = "denied"
	DecisionCancelled Decision = "cancelled"
)

// Notifier announces a new request to the human, typically by emitting a
// permission-request event. ctx is the requester's context.
type Notifier func(ctx context.Context, req Request)

// Observer is told how each request ended.
type Observer func(req Request, d Decision)

// Config configures a Broker.
type Config struct {
	Notifier Notifier
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type pending struct {
	req    Request
	seq    uint64
	result chan bool
}

// Broker holds pending requests until they are resolved or cancelled. Each
// request is resolved at most once. Requests never time out on their own;
// the caller's context is the only way to abandon one.
type Broker struct {
	notify  Notifier
	observe Observer
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	seq     uint64
	pending map[string]*pending
}

// NewBroker creates a Broker.
func NewBroker(cfg Config) *Broker {
	b := &Broker{
		notify:  cfg.Notifier,
		observe: cfg.Observer,
		logger:  cfg.Logger,
		now:     cfg.Now,
		pending: make(map[string]*pending),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// SetNotifier replaces the notifier. It must be called before requests start.
func (b *Broker) SetNotifier(fn Notifier) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// RequestPermission registers a request, announces it and blocks until it is
// resolved. If ctx ends first the request is withdrawn and ctx.Err() is
// returned along with false.
func (b *Broker) RequestPermission(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
	p := &pending{
		req: Request{
			ID:          uuid.NewString(),
			ToolName:    toolName,
			Description: description,
			Input:       input,
			CreatedAt:   b.now(),
		},
		result: make(chan bool, 1),
	}

	b.mu.Lock()
	b.seq++
	p.seq = b.seq
	b.pending[p.req.ID] = p
	notify := b.notify
	b.mu.Unlock()

	b.logger.Info("permission requested", "id", p.req.ID, "tool", toolName)
	if notify != nil {
		notify(ctx, p.req)
	}

	select {
	case allowed := <-p.result:
		return allowed, nil
	case <-ctx.Done():
		b.mu.Lock()
		_, still := b.pending[p.req.ID]
		if still {
			delete(b.pending, p.req.ID)
		}
		b.mu.Unlock()
		if !still {
			// Resolved concurrently with cancellation; the answer is buffered.
			return <-p.result, nil
		}
		b.report(p.req, DecisionCancelled)
		return false, ctx.Err()
	}
}

// Resolve answers the request with the given id. It returns false when the
// id is unknown or already resolved.
func (b *Broker) Resolve(id string, allowed bool) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	p.result <- allowed
	if allowed {
		b.report(p.req, DecisionAllowed)
	} else {
		b.report(p.req, DecisionDenied)
	}
	return true
}

// TryResolveFromMessage interprets text as a reply to the oldest pending
// request. It returns true when the text was a recognised yes or no and a
// request was resolved.
func (b *Broker) TryResolveFromMessage(text string) bool {
	allowed, ok := ParseReply(text)
	if !ok {
		return false
	}
	oldest := b.Pending()
	if len(oldest) == 0 {
		return false
	}
	return b.Resolve(oldest[0].ID, allowed)
}

// Find returns the pending request whose id equals or uniquely starts with
// prefix.
func (b *Broker) Find(prefix string) (Request, bool) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return Request{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[prefix]; ok {
		return p.req, true
	}
	var found *pending
	for id, p := range b.pending {
		if strings.HasPrefix(id, prefix) {
			if found != nil {
				return Request{}, false
			}
			found = p
		}
	}
	if found == nil {
		return Request{}, false
	}
	return found.req, true
}

// PendingCount returns the number of unresolved requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns the unresolved requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	ps := make([]*pending, 0, len(b.pending))
	for _, p := range b.pending {
		ps = append(ps, p)
	}
	b.mu.Unlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
	out := make([]Request, len(ps))
	for i, p := range ps {
		out[i] = p.req
	}
	return out
}

// CancelAll denies every pending request and returns how many there were.
func (b *Broker) CancelAll() int {
	b.mu.Lock()
	all := b.pending
	b.pending = make(map[string]*pending)
	b.mu.Unlock()

	for _, p := range all {
		p.result <- false
		b.report(p.req, DecisionCancelled)
	}
	if len(all) > 0 {
		b.logger.Info("pending permissions cancelled", "count", len(all))
	}
	return len(all)
}

func (b *Broker) report(req Request, d Decision) {
	b.logger.Info("permission resolved", "id", req.ID, "tool", req.ToolName, "decision", d)
	if b.observe != nil {
		b.observe(req, d)
	}
}

var (
	affirmative = map[string]bool{
		"yes": true, "y": true, "allow": true, "approve": true, "approved": true,
		"ok": true, "okay": true, "sure": true, "👍": true, "✅": true,
	}
	negative = map[string]bool{
		"no": true, "n": true, "deny": true, "denied": true, "reject": true,
		"cancel": true, "stop": true, "👎": true, "❌": true,
	}
)

// ParseReply classifies a free-text reply. ok is false when the text is
// neither a yes nor a no.
func ParseReply(text string) (allowed, ok bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRightFunc(t, func(r rune) bool {
		return unicode.IsPunct(r) || r == '\ufe0f'
	})
	switch {
	case affirmative[t]:
		return true, true
	case negative[t]:
		return false, true
	}
	return false, false
}
