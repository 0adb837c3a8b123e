// Package ledger implements per-workload bookkeeping for the capacity engine:
// token generation samples, queue depth history, and the statistical queries
// (throughput, TTFT percentiles, queue-impact penalty) derived from them.
// All histories are bounded ring buffers so memory is fixed by construction.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/capacity-sim/capacity-sim/sim/internal/stats"
)

// HistoryCapacity is the per-workload bounded window: at most this many
// samples (and queue depth observations) are retained, oldest evicted first.
const HistoryCapacity = 1000

var (
	// ErrInvalidMetric reports malformed input to the ledger, e.g. a negative
	// queue depth. Never clamped silently: a negative depth is a caller bug
	// and must surface immediately.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrInsufficientData reports a statistical query over an empty window.
	ErrInsufficientData = errors.New("insufficient data")
)

// Sample is one observation of a workload's generation activity.
// Immutable once recorded. Times are simulated milliseconds; EndMs is the
// first-token time, so EndMs-StartMs is the sample's TTFT.
type Sample struct {
	Workload string
	Tokens   int64
	StartMs  int64
	EndMs    int64
	GPUType  string
}

// ring is a fixed-capacity FIFO of samples.
type ring struct {
	buf  []Sample
	head int // index of oldest entry
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	// full: overwrite oldest
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// each visits samples oldest-first.
func (r *ring) each(fn func(Sample)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

// depthRing is a fixed-capacity FIFO of queue depth observations.
type depthRing struct {
	buf  []int
	head int
	n    int
}

func newDepthRing(capacity int) *depthRing {
	return &depthRing{buf: make([]int, capacity)}
}

func (r *depthRing) push(d int) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = d
		r.n++
		return
	}
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
}

// workloadHistory owns one workload's bounded state.
type workloadHistory struct {
	samples *ring
	depths  *depthRing
	depth   int // current queue depth, always >= 0
}

// Ledger records workload activity and answers statistical queries in
// O(window) time. Safe for concurrent use; recording and querying different
// workloads do not contend beyond the map lookup.
type Ledger struct {
	mu        sync.RWMutex
	workloads map[string]*workloadHistory

	// Queue-impact penalty: additive TTFT penalty in ms per queued request,
	// saturating at maxPenaltyMs. Monotonically non-decreasing in depth.
	perRequestPenaltyMs float64
	maxPenaltyMs        float64
}

// Option customizes Ledger construction.
type Option func(*Ledger)

// WithQueuePenalty overrides the queue-impact penalty parameters.
// Panics on negative values (programmer error).
func WithQueuePenalty(perRequestMs, maxMs float64) Option {
	if perRequestMs < 0 || maxMs < 0 {
		panic(fmt.Sprintf("WithQueuePenalty: parameters must be >= 0, got %g, %g", perRequestMs, maxMs))
	}
	return func(l *Ledger) {
		l.perRequestPenaltyMs = perRequestMs
		l.maxPenaltyMs = maxMs
	}
}

// New creates an empty Ledger with default queue penalty parameters
// (15 ms per queued request, saturating at 2000 ms).
func New(opts ...Option) *Ledger {
	l := &Ledger{
		workloads:           make(map[string]*workloadHistory),
		perRequestPenaltyMs: 15.0,
		maxPenaltyMs:        2000.0,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) history(workload string) *workloadHistory {
	h, ok := l.workloads[workload]
	if !ok {
		h = &workloadHistory{
			samples: newRing(HistoryCapacity),
			depths:  newDepthRing(HistoryCapacity),
		}
		l.workloads[workload] = h
	}
	return h
}

// RecordSample appends one generation observation to the workload's bounded
// history. Always succeeds: the window evicts oldest-first when full.
// Panics if endMs < startMs (a sample cannot finish before it starts).
func (l *Ledger) RecordSample(workload string, tokens int64, startMs, endMs int64, gpuType string) {
	if endMs < startMs {
		panic(fmt.Sprintf("RecordSample: endMs %d < startMs %d for workload %q", endMs, startMs, workload))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history(workload).samples.push(Sample{
		Workload: workload,
		Tokens:   tokens,
		StartMs:  startMs,
		EndMs:    endMs,
		GPUType:  gpuType,
	})
}

// RecordQueueDepth records the workload's current queue depth and appends it
// to the bounded depth history. Negative depth fails with ErrInvalidMetric.
func (l *Ledger) RecordQueueDepth(workload string, depth int) error {
	if depth < 0 {
		return fmt.Errorf("%w: queue depth must be >= 0, got %d for workload %q", ErrInvalidMetric, depth, workload)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.history(workload)
	h.depth = depth
	h.depths.push(depth)
	return nil
}

// QueueDepth returns the workload's current queue depth (0 if never recorded).
func (l *Ledger) QueueDepth(workload string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.workloads[workload]
	if !ok {
		return 0
	}
	return h.depth
}

// SampleCount returns the number of retained samples for the workload.
func (l *Ledger) SampleCount(workload string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.workloads[workload]
	if !ok {
		return 0
	}
	return h.samples.len()
}

// Throughput returns tokens per second over samples whose EndMs falls inside
// the trailing window (nowMs-windowMs, nowMs]. Returns 0 when no samples fall
// in the window: an idle workload is valid, not an error.
func (l *Ledger) Throughput(workload string, nowMs, windowMs int64) float64 {
	if windowMs <= 0 {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.workloads[workload]
	if !ok {
		return 0
	}
	var tokens int64
	h.samples.each(func(s Sample) {
		if s.EndMs > nowMs-windowMs && s.EndMs <= nowMs {
			tokens += s.Tokens
		}
	})
	return float64(tokens) / (float64(windowMs) / 1000.0)
}

// TTFTPercentile computes the p-th percentile over the bounded window's TTFT
// values (EndMs - StartMs), in milliseconds, using linear interpolation
// between ranks. Requires at least one sample, else ErrInsufficientData.
func (l *Ledger) TTFTPercentile(workload string, p float64) (float64, error) {
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: percentile must be in [0,100], got %g", ErrInvalidMetric, p)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.workloads[workload]
	if !ok || h.samples.len() == 0 {
		return 0, fmt.Errorf("%w: no samples for workload %q", ErrInsufficientData, workload)
	}
	ttfts := make([]float64, 0, h.samples.len())
	h.samples.each(func(s Sample) {
		ttfts = append(ttfts, float64(s.EndMs-s.StartMs))
	})
	return stats.Percentile(ttfts, p), nil
}

// TTFTMean returns the mean TTFT in milliseconds over the bounded window.
// Requires at least one sample, else ErrInsufficientData.
func (l *Ledger) TTFTMean(workload string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.workloads[workload]
	if !ok || h.samples.len() == 0 {
		return 0, fmt.Errorf("%w: no samples for workload %q", ErrInsufficientData, workload)
	}
	ttfts := make([]float64, 0, h.samples.len())
	h.samples.each(func(s Sample) {
		ttfts = append(ttfts, float64(s.EndMs-s.StartMs))
	})
	return stats.Mean(ttfts), nil
}

// QueueImpactOnTTFT maps the workload's current queue depth to an additive
// TTFT penalty in milliseconds: perRequestPenaltyMs per queued request,
// saturating at maxPenaltyMs. Deterministic and monotonically non-decreasing
// in depth, so queueing pressure is visible in reported TTFT without waiting
// for a queued request to complete.
func (l *Ledger) QueueImpactOnTTFT(workload string) float64 {
	depth := l.QueueDepth(workload)
	penalty := l.perRequestPenaltyMs * float64(depth)
	if penalty > l.maxPenaltyMs {
		return l.maxPenaltyMs
	}
	return penalty
}

// Workloads returns the names of all workloads with recorded state.
func (l *Ledger) Workloads() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.workloads))
	for name := range l.workloads {
		names = append(names, name)
	}
	return names
}
