package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"
)

// statusOverloaded is Anthropic's "overloaded_error" status.
const statusOverloaded = 529

// retryBaseDelay is the first backoff step; tests shorten it.
var retryBaseDelay = time.Second

// maxRetryAfter caps how long a retry-after header may hold a request back.
const maxRetryAfter = time.Minute

// NewHTTPClient returns a pooled client for Messages API calls. timeout bounds
// the whole exchange, including the time a tool-heavy turn takes to generate.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// transientError is a response worth sending again.
type transientError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *transientError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// retryPolicy resends a request on network failures, 429, 529 and other 5xx
// responses. 4xx other than 429 are returned to the caller untouched.
type retryPolicy struct {
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

func newRetryPolicy(logger *slog.Logger) retryPolicy {
	return retryPolicy{attempts: 4, base: retryBaseDelay, logger: logger}
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == statusOverloaded || code >= 500
}

// delay is the wait before attempt n (n >= 1). A server-provided retry-after
// wins over the quadratic schedule.
func (p retryPolicy) delay(n int, last error) time.Duration {
	if te, ok := last.(*transientError); ok && te.retryAfter > 0 {
		return min(te.retryAfter, maxRetryAfter)
	}
	step := time.Duration(n*n) * p.base
	return step + time.Duration(rand.Int64N(int64(step/2)+1))
}

// do sends the request built by build until it succeeds, fails permanently,
// or the attempts run out. build is called once per attempt so the body can
// be replayed.
func (p retryPolicy) do(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var last error
	for n := 0; n < p.attempts; n++ {
		if n > 0 {
			wait := p.delay(n, last)
			p.logger.Warn("retrying anthropic request", "attempt", n+1, "of", p.attempts, "wait", wait, "err", last)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
			continue
		}
		if !isTransientStatus(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		last = &transientError{
			status:     resp.StatusCode,
			body:       string(body),
			retryAfter: parseRetryAfter(resp.Header.Get("retry-after")),
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", p.attempts, last)
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
