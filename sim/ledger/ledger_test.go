package ledger

import (
	"errors"
	"math"
	"testing"
)

func TestRecordSample_BoundedWindowEvictsOldest(t *testing.T) {
	// GIVEN a ledger filled past the history capacity
	l := New()
	for i := 0; i < HistoryCapacity+50; i++ {
		start := int64(i * 10)
		l.RecordSample("chat", 100, start, start+80, "H100")
	}

	// THEN the window never exceeds its bound
	if got := l.SampleCount("chat"); got != HistoryCapacity {
		t.Errorf("SampleCount = %d, want %d", got, HistoryCapacity)
	}

	// AND the retained samples are the newest: throughput over a window that
	// only covers evicted samples is zero
	nowMs := int64((HistoryCapacity + 50) * 10)
	if got := l.Throughput("chat", 400, 400); got != 0 {
		t.Errorf("Throughput over evicted range = %f, want 0", got)
	}
	if got := l.Throughput("chat", nowMs, 1000); got == 0 {
		t.Errorf("Throughput over recent range = 0, want > 0")
	}
}

func TestRecordSample_EndBeforeStartPanics(t *testing.T) {
	l := New()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("RecordSample(end < start) did not panic")
		}
	}()
	l.RecordSample("chat", 100, 500, 400, "H100")
}

func TestRecordQueueDepth_NegativeRejected(t *testing.T) {
	// GIVEN a ledger with an existing depth
	l := New()
	if err := l.RecordQueueDepth("chat", 7); err != nil {
		t.Fatalf("RecordQueueDepth(7): %v", err)
	}

	// WHEN recording a negative depth
	err := l.RecordQueueDepth("chat", -1)

	// THEN it fails with ErrInvalidMetric and the stored depth is untouched
	if !errors.Is(err, ErrInvalidMetric) {
		t.Errorf("RecordQueueDepth(-1) err = %v, want ErrInvalidMetric", err)
	}
	if got := l.QueueDepth("chat"); got != 7 {
		t.Errorf("QueueDepth after rejected write = %d, want 7", got)
	}
}

func TestThroughput_TrailingWindow(t *testing.T) {
	// GIVEN samples inside and outside a 10s window ending at t=20s
	l := New()
	l.RecordSample("chat", 1000, 5_000, 9_000, "H100")   // outside (end 9s <= 10s)
	l.RecordSample("chat", 2000, 11_000, 12_000, "H100") // inside
	l.RecordSample("chat", 3000, 18_000, 19_000, "H100") // inside
	l.RecordSample("chat", 4000, 20_500, 21_000, "H100") // after now

	// WHEN querying throughput over (10s, 20s]
	got := l.Throughput("chat", 20_000, 10_000)

	// THEN only in-window tokens count: (2000+3000)/10s = 500 tok/s
	want := 500.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Throughput = %f, want %f", got, want)
	}
}

func TestThroughput_IdleWorkloadIsZeroNotError(t *testing.T) {
	l := New()
	if got := l.Throughput("never-seen", 10_000, 5_000); got != 0 {
		t.Errorf("Throughput(idle) = %f, want 0", got)
	}
}

func TestTTFTPercentile_ReferenceValue(t *testing.T) {
	// GIVEN the five-sample distribution with one slow outlier
	l := New()
	for _, ttft := range []int64{100, 120, 130, 140, 500} {
		l.RecordSample("chat", 100, 0, ttft, "H100")
	}

	// WHEN computing the interpolated p95
	got, err := l.TTFTPercentile("chat", 95)

	// THEN p95 = 428, strictly below the outlier
	if err != nil {
		t.Fatalf("TTFTPercentile: %v", err)
	}
	if math.Abs(got-428.0) > 1e-9 {
		t.Errorf("TTFTPercentile(95) = %f, want 428", got)
	}
}

func TestTTFTPercentile_OrderingHolds(t *testing.T) {
	// GIVEN any nonempty sample set
	l := New()
	for _, ttft := range []int64{80, 95, 110, 220, 3500, 60, 75} {
		l.RecordSample("chat", 100, 0, ttft, "H100")
	}

	p50, err := l.TTFTPercentile("chat", 50)
	if err != nil {
		t.Fatalf("p50: %v", err)
	}
	p95, err := l.TTFTPercentile("chat", 95)
	if err != nil {
		t.Fatalf("p95: %v", err)
	}
	p0, err := l.TTFTPercentile("chat", 0)
	if err != nil {
		t.Fatalf("p0: %v", err)
	}

	// THEN p95 >= median >= minimum
	if p95 < p50 || p50 < p0 {
		t.Errorf("percentile ordering violated: p0=%f p50=%f p95=%f", p0, p50, p95)
	}
	if p0 != 60 {
		t.Errorf("p0 = %f, want 60", p0)
	}
}

func TestTTFTPercentile_Errors(t *testing.T) {
	l := New()

	// Empty window fails with ErrInsufficientData, not zero.
	if _, err := l.TTFTPercentile("chat", 95); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("empty window err = %v, want ErrInsufficientData", err)
	}

	l.RecordSample("chat", 100, 0, 80, "H100")
	if _, err := l.TTFTPercentile("chat", 101); !errors.Is(err, ErrInvalidMetric) {
		t.Errorf("p=101 err = %v, want ErrInvalidMetric", err)
	}
	if _, err := l.TTFTPercentile("chat", -1); !errors.Is(err, ErrInvalidMetric) {
		t.Errorf("p=-1 err = %v, want ErrInvalidMetric", err)
	}
}

func TestTTFTMean(t *testing.T) {
	l := New()
	if _, err := l.TTFTMean("chat"); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("empty mean err = %v, want ErrInsufficientData", err)
	}

	l.RecordSample("chat", 100, 0, 100, "H100")
	l.RecordSample("chat", 100, 0, 300, "H100")
	got, err := l.TTFTMean("chat")
	if err != nil {
		t.Fatalf("TTFTMean: %v", err)
	}
	if got != 200 {
		t.Errorf("TTFTMean = %f, want 200", got)
	}
}

func TestQueueImpactOnTTFT_MonotonicAndSaturating(t *testing.T) {
	// GIVEN the default penalty parameters
	l := New()

	// Depth 0 carries no penalty.
	if got := l.QueueImpactOnTTFT("chat"); got != 0 {
		t.Errorf("penalty at depth 0 = %f, want 0", got)
	}

	// WHEN depth grows, the penalty never decreases
	prev := 0.0
	for _, depth := range []int{1, 5, 50, 200, 1000} {
		if err := l.RecordQueueDepth("chat", depth); err != nil {
			t.Fatalf("RecordQueueDepth(%d): %v", depth, err)
		}
		got := l.QueueImpactOnTTFT("chat")
		if got < prev {
			t.Errorf("penalty decreased: depth=%d penalty=%f prev=%f", depth, got, prev)
		}
		prev = got
	}

	// THEN deep queues saturate at the cap
	if prev != 2000.0 {
		t.Errorf("saturated penalty = %f, want 2000", prev)
	}
}

func TestQueueImpactOnTTFT_CustomPenalty(t *testing.T) {
	l := New(WithQueuePenalty(10, 100))
	if err := l.RecordQueueDepth("chat", 3); err != nil {
		t.Fatalf("RecordQueueDepth: %v", err)
	}
	if got := l.QueueImpactOnTTFT("chat"); got != 30 {
		t.Errorf("penalty = %f, want 30", got)
	}
	if err := l.RecordQueueDepth("chat", 50); err != nil {
		t.Fatalf("RecordQueueDepth: %v", err)
	}
	if got := l.QueueImpactOnTTFT("chat"); got != 100 {
		t.Errorf("saturated penalty = %f, want 100", got)
	}
}

func TestWithQueuePenalty_NegativePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("WithQueuePenalty(-1, 100) did not panic")
		}
	}()
	WithQueuePenalty(-1, 100)
}
