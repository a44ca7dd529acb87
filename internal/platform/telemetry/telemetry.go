// Package telemetry keeps in-process counters for the bridge and exposes
// them as a JSON snapshot, in Prometheus text exposition format, and
// optionally as a periodic Redis report.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Outcome labels recorded by RecordOutcome.
const (
	OutcomePublished = "published"
	OutcomeIgnored   = "ignored"
	OutcomeSkipped   = "skipped"
	OutcomeRetry     = "retry"
	OutcomeRejected  = "rejected"
)

var outcomes = []string{OutcomePublished, OutcomeIgnored, OutcomeSkipped, OutcomeRetry, OutcomeRejected}

// defaultLatencyBuckets are upper bounds in seconds for notification
// handling latency.
var defaultLatencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram. Bucket counts are non-cumulative in
// storage; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Service      string            `json:"service"`
	Instance     string            `json:"instance"`
	StartedAt    time.Time         `json:"started_at"`
	LastUpdated  time.Time         `json:"last_updated"`
	Received     uint64            `json:"received"`
	Outcomes     map[string]uint64 `json:"outcomes"`
	PublishedBy  map[string]uint64 `json:"published_by_topic,omitempty"`
	AvgLatencyMs float64           `json:"avg_latency_ms"`
}

// Collector counts notifications and their outcomes. All methods are safe
// for concurrent use; a nil *Collector ignores every call.
type Collector struct {
	service   string
	instance  string
	startedAt time.Time

	received atomic.Uint64
	outcomes map[string]*atomic.Uint64

	topicMu sync.RWMutex
	byTopic map[string]*atomic.Uint64

	latency *histogram
}

// NewCollector creates a collector for one process.
func NewCollector(service, instance string) *Collector {
	c := &Collector{
		service:   service,
		instance:  instance,
		startedAt: time.Now().UTC(),
		outcomes:  make(map[string]*atomic.Uint64, len(outcomes)),
		byTopic:   make(map[string]*atomic.Uint64),
		latency:   newHistogram(defaultLatencyBuckets),
	}
	for _, o := range outcomes {
		c.outcomes[o] = &atomic.Uint64{}
	}
	return c
}

// RecordReceived counts an inbound notification.
func (c *Collector) RecordReceived() {
	if c == nil {
		return
	}
	c.received.Add(1)
}

// RecordOutcome counts a terminal outcome. topic is only used for
// published outcomes.
func (c *Collector) RecordOutcome(outcome, topic string, elapsed time.Duration) {
	if c == nil {
		return
	}
	if counter, ok := c.outcomes[outcome]; ok {
		counter.Add(1)
	}
	if outcome == OutcomePublished && topic != "" {
		c.topicCounter(topic).Add(1)
	}
	c.latency.Observe(elapsed.Seconds())
}

func (c *Collector) topicCounter(topic string) *atomic.Uint64 {
	c.topicMu.RLock()
	counter, ok := c.byTopic[topic]
	c.topicMu.RUnlock()
	if ok {
		return counter
	}

	c.topicMu.Lock()
	defer c.topicMu.Unlock()
	if counter, ok = c.byTopic[topic]; !ok {
		counter = &atomic.Uint64{}
		c.byTopic[topic] = counter
	}
	return counter
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Service:     c.service,
		Instance:    c.instance,
		StartedAt:   c.startedAt,
		LastUpdated: time.Now().UTC(),
		Received:    c.received.Load(),
		Outcomes:    make(map[string]uint64, len(c.outcomes)),
		PublishedBy: make(map[string]uint64),
	}
	for name, counter := range c.outcomes {
		s.Outcomes[name] = counter.Load()
	}

	c.topicMu.RLock()
	for topic, counter := range c.byTopic {
		s.PublishedBy[topic] = counter.Load()
	}
	c.topicMu.RUnlock()

	if n := c.latency.Count(); n > 0 {
		s.AvgLatencyMs = c.latency.Sum() / float64(n) * 1000
	}
	return s
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler serves the snapshot as JSON, or in Prometheus text format when
// called with ?format=prometheus.
func (c *Collector) Handler() echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if ctx.QueryParam("format") == "prometheus" {
			return ctx.String(http.StatusOK, c.prometheusText())
		}
		return ctx.JSON(http.StatusOK, c.Snapshot())
	}
}

func (c *Collector) prometheusText() string {
	var b strings.Builder
	snap := c.Snapshot()

	b.WriteString("# HELP bridge_notifications_received_total Notifications received.\n")
	b.WriteString("# TYPE bridge_notifications_received_total counter\n")
	fmt.Fprintf(&b, "bridge_notifications_received_total %d\n\n", snap.Received)

	b.WriteString("# HELP bridge_notifications_total Notifications by outcome.\n")
	b.WriteString("# TYPE bridge_notifications_total counter\n")
	for _, o := range outcomes {
		fmt.Fprintf(&b, "bridge_notifications_total{outcome=%q} %d\n", o, snap.Outcomes[o])
	}
	b.WriteByte('\n')

	topics := make([]string, 0, len(snap.PublishedBy))
	for t := range snap.PublishedBy {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	b.WriteString("# HELP bridge_published_total Envelopes published by topic.\n")
	b.WriteString("# TYPE bridge_published_total counter\n")
	for _, t := range topics {
		fmt.Fprintf(&b, "bridge_published_total{topic=%q} %d\n", t, snap.PublishedBy[t])
	}
	b.WriteByte('\n')

	writeHistogram(&b, "bridge_handle_duration_seconds",
		"Time spent handling one notification.", c.latency)
	return b.String()
}

func writeHistogram(b *strings.Builder, name, help string, h *histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
	fmt.Fprintf(b, "%s_sum %g\n", name, h.Sum())
	fmt.Fprintf(b, "%s_count %d\n", name, total)
}
