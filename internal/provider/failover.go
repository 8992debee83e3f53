package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"waagent/internal/domain"
)

// Failover tries several chat clients in order (typically the configured
// model, then a fallback model) and returns the first success.
type Failover struct {
	clients []ChatClient
	logger  *slog.Logger
}

// NewFailover creates a chain from the given clients. At least one is required.
func NewFailover(clients []ChatClient, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{clients: clients, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.clients))
	for i, c := range f.clients {
		names[i] = c.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Chat tries each client in order. Context cancellation and request errors
// the next client would reject the same way (auth, bad request) stop the chain.
func (f *Failover) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(f.clients) == 0 {
		return nil, errors.New("failover chain is empty")
	}
	var lastErr error
	for i, c := range f.clients {
		resp, err := c.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback client", "client", c.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !shouldFailover(err) {
			return nil, err
		}
		f.logger.Warn("failover: client failed, trying next",
			"client", c.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all clients in failover chain failed: %w", lastErr)
}

func shouldFailover(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return false
		}
	}
	return true
}

var _ ChatClient = (*Failover)(nil)
