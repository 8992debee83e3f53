// Package metrics keeps in-process counters for the agent and renders them
// in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector the predefined metrics live in.
var Collector = NewMetricsCollector()

// series is one exported time series family member.
type series interface {
	desc() *seriesDesc
	kind() string
	write(w io.Writer)
}

type seriesDesc struct {
	name   string
	help   string
	labels string // preformatted, e.g. `tool="Bash"`
}

func (d *seriesDesc) desc() *seriesDesc { return d }

// selector renders name{labels,extra} with empty parts left out.
func (d *seriesDesc) selector(suffix, extra string) string {
	l := d.labels
	if extra != "" {
		if l != "" {
			l += ","
		}
		l += extra
	}
	if l == "" {
		return d.name + suffix
	}
	return d.name + suffix + "{" + l + "}"
}

// MetricsCollector holds every registered series and renders them in the
// Prometheus text format, sorted by name.
type MetricsCollector struct {
	mu        sync.Mutex
	series    map[string]series
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{series: make(map[string]series), startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// register returns the series already stored under name and labels, or
// stores the one built by mk. A name reused with another kind panics.
func register[T series](c *MetricsCollector, name, labels string, mk func(seriesDesc) T) T {
	key := name + "{" + labels + "}"
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.series[key]; ok {
		t, ok := s.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s registered as %s", name, s.kind()))
		}
		return t
	}
	t := mk(seriesDesc{name: name, labels: labels})
	c.series[key] = t
	return t
}

// Counter only goes up.
type Counter struct {
	seriesDesc
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }
func (c *Counter) kind() string { return "counter" }
func (c *Counter) write(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", c.selector("", ""), c.Value())
}

// Gauge goes up and down.
type Gauge struct {
	seriesDesc
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) kind() string { return "gauge" }
func (g *Gauge) write(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", g.selector("", ""), g.Value())
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	seriesDesc
	bounds []float64

	mu     sync.Mutex
	counts []int64 // per bound, cumulative at render time
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

func (h *Histogram) kind() string { return "histogram" }

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var cum int64
	for i, b := range h.bounds {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s %d\n", h.selector("_bucket", fmt.Sprintf("le=%q", fmt.Sprintf("%g", b))), cum)
	}
	fmt.Fprintf(w, "%s %d\n", h.selector("_bucket", `le="+Inf"`), h.count)
	fmt.Fprintf(w, "%s %d\n", h.selector("_count", ""), h.count)
	fmt.Fprintf(w, "%s %f\n", h.selector("_sum", ""), h.sum)
}

// Counter returns the counter for name and labels, creating it on first use.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return register(c, name, labels, func(d seriesDesc) *Counter {
		d.help = help
		return &Counter{seriesDesc: d}
	})
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return register(c, name, labels, func(d seriesDesc) *Gauge {
		d.help = help
		return &Gauge{seriesDesc: d}
	})
}

// Histogram returns the histogram for name and labels. Bucket bounds are
// sorted; +Inf is implicit.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return register(c, name, labels, func(d seriesDesc) *Histogram {
		d.help = help
		bounds := slices.Clone(buckets)
		slices.Sort(bounds)
		bounds = slices.DeleteFunc(bounds, func(b float64) bool { return math.IsInf(b, 1) })
		return &Histogram{seriesDesc: d, bounds: bounds, counts: make([]int64, len(bounds))}
	})
}

// Handler renders every series in the Prometheus text exposition format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP waagent_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE waagent_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "waagent_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

		c.mu.Lock()
		keys := slices.Sorted(maps.Keys(c.series))
		all := make([]series, len(keys))
		for i, k := range keys {
			all[i] = c.series[k]
		}
		c.mu.Unlock()

		described := make(map[string]bool)
		for _, s := range all {
			d := s.desc()
			if !described[d.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, s.kind())
				described[d.name] = true
			}
			s.write(&sb)
		}
		_, _ = io.WriteString(w, sb.String())
	}
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesReceived   = Collector.Counter("waagent_messages_received_total", "Inbound messages accepted for processing", "")
	ResponsesSent      = Collector.Counter("waagent_responses_sent_total", "Replies delivered to a transport", "")
	PermissionRequests = Collector.Counter("waagent_permission_requests_total", "Tool calls that asked a human for approval", "")
	BackendRequests    = Collector.Counter("waagent_backend_requests_total", "Messages API requests", "")
	BackendErrors      = Collector.Counter("waagent_backend_errors_total", "Failed Messages API requests", "")
	TokensUsed         = Collector.Counter("waagent_backend_tokens_total", "Tokens consumed by the backend", "")
	ToolExecutions     = Collector.Counter("waagent_tool_executions_total", "Tool calls executed", "")
	ToolDenials        = Collector.Counter("waagent_tool_denials_total", "Tool calls refused by mode, policy or the user", "")
	Errors             = Collector.Counter("waagent_errors_total", "Errors reported on the event stream", "")
	Disconnects        = Collector.Counter("waagent_transport_disconnects_total", "Transport disconnections", "")
	TransportReady     = Collector.Gauge("waagent_transport_ready", "1 while the transport is connected", "")
	PendingPermissions = Collector.Gauge("waagent_pending_permissions", "Permission requests awaiting an answer", "")

	BackendLatency = Collector.Histogram("waagent_backend_latency_seconds", "Messages API request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	ToolLatency = Collector.Histogram("waagent_tool_latency_seconds", "Tool execution latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30})
)
