package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"waagent/internal/domain"
)

// HandleEvent updates the predefined metrics from the event stream. It is
// registered on the event bus for every event type.
func HandleEvent(e domain.Event) {
	switch e.Type {
	case domain.EventMessageReceived:
		MessagesReceived.Inc()
	case domain.EventResponseSent:
		ResponsesSent.Inc()
	case domain.EventPermissionRequest:
		PermissionRequests.Inc()
	case domain.EventError:
		Errors.Inc()
	case domain.EventReady:
		TransportReady.Set(1)
	case domain.EventDisconnected:
		TransportReady.Set(0)
		Disconnects.Inc()
	}
}

// ObserveChat records one Messages API round trip.
func ObserveChat(model string, latency time.Duration, usage domain.Usage, err error) {
	BackendRequests.Inc()
	BackendLatency.Observe(latency.Seconds())
	if err != nil {
		BackendErrors.Inc()
		return
	}
	TokensUsed.Add(int64(usage.TotalTokens))
}

// ObserveTool records how one tool call ended.
func ObserveTool(name string, latency time.Duration, allowed bool, err error) {
	if !allowed {
		ToolDenials.Inc()
		return
	}
	ToolExecutions.Inc()
	ToolLatency.Observe(latency.Seconds())
}

// Serve exposes the process-wide collector on addr at /metrics until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
