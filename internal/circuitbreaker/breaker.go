// Package circuitbreaker implements the analyzer's load-shedding gates.
// Unlike a classic failure-ratio breaker these trip on load signals: queue
// depth and the rolling p95 of job runtimes. When a gate is open the
// analyzer drops the job instead of falling further behind.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
)

// Drop errors returned by the gates.
var (
	ErrQueueSaturated = errors.New("analyzer queue saturated")
	ErrLatencyHigh    = errors.New("analyzer latency above ceiling")
)

// ============================================================================
// QUEUE DEPTH GATE
// ============================================================================

// QueueDepthBreaker drops work while the backlog exceeds its ceiling. The
// depth is sampled by the caller (LLEN on the job list) right before the
// check, so the gate itself is stateless.
type QueueDepthBreaker struct {
	max int64
}

// NewQueueDepthBreaker builds a gate with the given backlog ceiling.
func NewQueueDepthBreaker(max int64) *QueueDepthBreaker {
	return &QueueDepthBreaker{max: max}
}

// Allow returns ErrQueueSaturated when depth exceeds the ceiling.
func (b *QueueDepthBreaker) Allow(depth int64) error {
	if depth > b.max {
		return ErrQueueSaturated
	}
	return nil
}

// ============================================================================
// LATENCY GATE
// ============================================================================

// LatencyBreaker tracks job runtimes in a fixed ring and trips when the
// p95 over the window crosses the ceiling. Safe for concurrent use by the
// worker pool.
type LatencyBreaker struct {
	ceilingMs int64

	mu      sync.Mutex
	samples []int64
	next    int
	filled  bool
}

// NewLatencyBreaker builds a gate over a window of the given size.
func NewLatencyBreaker(ceilingMs int64, window int) *LatencyBreaker {
	if window < 1 {
		window = 1
	}
	return &LatencyBreaker{
		ceilingMs: ceilingMs,
		samples:   make([]int64, window),
	}
}

// Record adds one runtime sample, evicting the oldest once the ring wraps.
func (b *LatencyBreaker) Record(runtimeMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples[b.next] = runtimeMs
	b.next++
	if b.next == len(b.samples) {
		b.next = 0
		b.filled = true
	}
}

// Allow returns ErrLatencyHigh when the window p95 exceeds the ceiling. An
// empty window always passes.
func (b *LatencyBreaker) Allow() error {
	if b.P95() > b.ceilingMs {
		return ErrLatencyHigh
	}
	return nil
}

// P95 computes the 95th percentile of the current window.
func (b *LatencyBreaker) P95() int64 {
	b.mu.Lock()
	n := len(b.samples)
	if !b.filled {
		n = b.next
	}
	if n == 0 {
		b.mu.Unlock()
		return 0
	}
	window := make([]int64, n)
	copy(window, b.samples[:n])
	b.mu.Unlock()

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return window[idx]
}
