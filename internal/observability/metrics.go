// Package observability exposes in-process counters and latency stats for the
// saga core as a JSON snapshot.
package observability

import (
	"sync"
	"time"
)

// HandlerSnapshot summarizes one message handler or operation.
type HandlerSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the full metrics view served at /metrics.
type Snapshot struct {
	UptimeSec       int64                      `json:"uptime_sec"`
	TotalHandled    int64                      `json:"total_handled"`
	TotalErrors     int64                      `json:"total_errors"`
	InFlight        int64                      `json:"in_flight"`
	RateLimitWaits  int64                      `json:"rate_limit_waits"`
	RateLimitWaitMs int64                      `json:"rate_limit_wait_ms"`
	Counters        map[string]int64           `json:"counters"`
	Handlers        map[string]HandlerSnapshot `json:"handlers"`
}

type handlerStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics collects handler spans and named counters. All methods are nil-safe
// so components can run without metrics wired.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	handlers       map[string]*handlerStats
	counters       map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
}

// CallSpan tracks one in-flight handler invocation.
type CallSpan struct {
	metrics *Metrics
	name    string
	start   time.Time
}

// NewMetrics constructs an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		handlers: make(map[string]*handlerStats),
		counters: make(map[string]int64),
	}
}

// Start opens a span for a named handler.
func (m *Metrics) Start(name string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureHandler(name)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		name:    name,
		start:   time.Now(),
	}
}

// End closes the span, recording latency and whether it errored.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.name, dur, err != nil)
}

// Count increments a named counter (saga transitions, dropped events,
// dispatched messages and so on).
func (m *Metrics) Count(name string) {
	m.CountN(name, 1)
}

// CountN adds n to a named counter.
func (m *Metrics) CountN(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// AddRateLimitWait records time spent waiting on the outbound rate limiter.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all stats.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Counters:        make(map[string]int64, len(m.counters)),
		Handlers:        make(map[string]HandlerSnapshot, len(m.handlers)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for name, v := range m.counters {
		snap.Counters[name] = v
	}

	for name, stats := range m.handlers {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Handlers[name] = HandlerSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalHandled += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	return snap
}

func (m *Metrics) ensureHandler(name string) *handlerStats {
	stats, ok := m.handlers[name]
	if !ok {
		stats = &handlerStats{}
		m.handlers[name] = stats
	}
	return stats
}

func (m *Metrics) finish(name string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureHandler(name)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
