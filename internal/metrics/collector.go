// Package metrics tracks Pool- and Connection-level counters (completed,
// errors, retrying) plus post latency percentiles, following the teacher's
// Collector shape: atomic counters, a mutex-protected sample window, and
// percentile helpers.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters for one Pool. It is safe for concurrent use
// by the Pool, its maintenance goroutine, and every Connection it owns.
type Collector struct {
	completed int64
	errors    int64
	retrying  int32

	activeConnections int32
	dyingConnections   int32

	connectionAttempts int64
	connectionFailures int64
	pingTimeouts       int64

	mu         sync.Mutex
	latencies  []time.Duration
	maxSamples int
}

// NewCollector returns a Collector retaining up to maxSamples latency
// observations for percentile calculations. maxSamples <= 0 selects a
// sensible default.
func NewCollector(maxSamples int) *Collector {
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	return &Collector{
		latencies:  make([]time.Duration, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

// RecordCompleted records one successful Pool.Post and its end-to-end latency.
func (c *Collector) RecordCompleted(latency time.Duration) {
	atomic.AddInt64(&c.completed, 1)

	c.mu.Lock()
	if len(c.latencies) >= c.maxSamples {
		c.latencies = c.latencies[1:]
	}
	c.latencies = append(c.latencies, latency)
	c.mu.Unlock()
}

// RecordError records one failed Pool.Post.
func (c *Collector) RecordError() {
	atomic.AddInt64(&c.errors, 1)
}

// SetRetrying sets the current count of in-flight retry backoffs.
func (c *Collector) SetRetrying(n int32) {
	atomic.StoreInt32(&c.retrying, n)
}

// IncRetrying/DecRetrying adjust the retrying gauge by one, matching the
// increment-before/decrement-after pattern of Pool.Post's retry loop.
func (c *Collector) IncRetrying() { atomic.AddInt32(&c.retrying, 1) }
func (c *Collector) DecRetrying() { atomic.AddInt32(&c.retrying, -1) }

// SetConnectionCounts publishes the current size of active and dying.
func (c *Collector) SetConnectionCounts(active, dying int) {
	atomic.StoreInt32(&c.activeConnections, int32(active))
	atomic.StoreInt32(&c.dyingConnections, int32(dying))
}

// RecordConnectionAttempt/RecordConnectionFailure track maintenance's
// connection-creation loop.
func (c *Collector) RecordConnectionAttempt() { atomic.AddInt64(&c.connectionAttempts, 1) }
func (c *Collector) RecordConnectionFailure() { atomic.AddInt64(&c.connectionFailures, 1) }

// RecordPingTimeout tracks a Connection's keepalive PING going unanswered.
func (c *Collector) RecordPingTimeout() { atomic.AddInt64(&c.pingTimeouts, 1) }

// Stats is a point-in-time snapshot of a Collector.
type Stats struct {
	Completed int64
	Errors    int64
	Retrying  int32

	ActiveConnections int32
	DyingConnections  int32

	ConnectionAttempts int64
	ConnectionFailures int64
	PingTimeouts       int64

	SuccessRate float64

	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// GetStats returns a consistent snapshot of all counters.
func (c *Collector) GetStats() Stats {
	completed := atomic.LoadInt64(&c.completed)
	errs := atomic.LoadInt64(&c.errors)

	stats := Stats{
		Completed:          completed,
		Errors:             errs,
		Retrying:           atomic.LoadInt32(&c.retrying),
		ActiveConnections:  atomic.LoadInt32(&c.activeConnections),
		DyingConnections:   atomic.LoadInt32(&c.dyingConnections),
		ConnectionAttempts: atomic.LoadInt64(&c.connectionAttempts),
		ConnectionFailures: atomic.LoadInt64(&c.connectionFailures),
		PingTimeouts:       atomic.LoadInt64(&c.pingTimeouts),
	}

	if total := completed + errs; total > 0 {
		stats.SuccessRate = float64(completed) / float64(total) * 100
	}

	c.mu.Lock()
	stats.P50, stats.P95, stats.P99 = c.percentiles()
	c.mu.Unlock()

	return stats
}

func (c *Collector) percentiles() (p50, p95, p99 time.Duration) {
	if len(c.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]time.Duration, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return percentile(sorted, 50), percentile(sorted, 95), percentile(sorted, 99)
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(math.Ceil(float64(len(sorted)) * float64(p) / 100.0))
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	if index < 0 {
		index = 0
	}

	return sorted[index]
}
