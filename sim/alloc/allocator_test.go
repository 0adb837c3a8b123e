package alloc

import (
	"errors"
	"testing"

	"github.com/capacity-sim/capacity-sim/sim/capacity"
)

// fixedThroughput is a ThroughputReader with canned per-workload values.
type fixedThroughput map[string]float64

func (f fixedThroughput) RecentThroughput(workload string) float64 { return f[workload] }

func newTestAllocator(t *testing.T, instances int, throughput fixedThroughput) *Allocator {
	t.Helper()
	gpus := make([]*GPUInstance, instances)
	for i := range gpus {
		gpus[i] = NewGPUInstance(instanceID(i), h100())
	}
	return NewAllocator(NewPool(gpus), DefaultConfig(), throughput)
}

func instanceID(i int) string {
	return []string{"gpu-000", "gpu-001", "gpu-002", "gpu-003"}[i]
}

// provisioningOrder extracts the workloads whose fractions entered
// Provisioning, in event order.
func provisioningOrder(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.To == Provisioning {
			out = append(out, ev.Workload)
		}
	}
	return out
}

func TestSubmit_InvalidSizePanics(t *testing.T) {
	a := newTestAllocator(t, 1, fixedThroughput{})
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Submit(3/8) did not panic")
		}
	}()
	a.Submit("chat", Size(3), 5, 0)
}

func TestSubmit_OutOfRangePriorityPanics(t *testing.T) {
	a := newTestAllocator(t, 1, fixedThroughput{})
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Submit(priority 11) did not panic")
		}
	}()
	a.Submit("chat", Half, 11, 0)
}

func TestDrain_FIFOWithinPriorityTier(t *testing.T) {
	// GIVEN requests A then B at priority 5, then C at priority 9
	a := newTestAllocator(t, 1, fixedThroughput{})
	a.Submit("workload-a", Quarter, 5, 0)
	a.Submit("workload-b", Quarter, 5, 1)
	a.Submit("workload-c", Quarter, 9, 2)

	// WHEN the queue drains
	a.Apply(capacity.Hold, 3)

	// THEN grants are ordered C, A, B: priority first, FIFO within a tier
	got := provisioningOrder(a.DrainEvents())
	want := []string{"workload-c", "workload-a", "workload-b"}
	if len(got) != len(want) {
		t.Fatalf("granted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("grant[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDrain_SameSubmitTickUsesSubmissionOrder(t *testing.T) {
	// GIVEN equal-priority requests submitted on the same tick
	a := newTestAllocator(t, 1, fixedThroughput{})
	a.Submit("first", Eighth, 5, 0)
	a.Submit("second", Eighth, 5, 0)
	a.Submit("third", Eighth, 5, 0)

	a.Apply(capacity.Hold, 1)

	got := provisioningOrder(a.DrainEvents())
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("grant[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDrain_HeadOfLineBlocks(t *testing.T) {
	// GIVEN an instance with only 1/4 free and a high-priority 1/2 request
	// ahead of a small low-priority one
	a := newTestAllocator(t, 1, fixedThroughput{})
	a.Submit("filler-a", Half, 10, 0)
	a.Submit("filler-b", Quarter, 10, 0)
	a.Apply(capacity.Hold, 0)
	if got := a.PendingRequests(); got != 0 {
		t.Fatalf("setup: %d requests pending, want 0", got)
	}

	big := a.Submit("big-priority", Half, 9, 1)
	small := a.Submit("small-background", Eighth, 1, 1)

	// WHEN draining
	a.Apply(capacity.Hold, 2)

	// THEN the blocked head also blocks the small request behind it, so the
	// high-priority workload is never starved by a stream of small grants
	if got := a.PendingRequests(); got != 2 {
		t.Errorf("PendingRequests = %d, want 2", got)
	}
	if big.fraction.State != Pending {
		t.Errorf("big request state = %s, want %s", big.fraction.State, Pending)
	}
	if small.fraction.State != Pending {
		t.Errorf("small request state = %s, want %s", small.fraction.State, Pending)
	}
}

func TestRelease_FreesBudgetExactly(t *testing.T) {
	// GIVEN a placed 1/4 fraction
	a := newTestAllocator(t, 1, fixedThroughput{})
	req := a.Submit("chat", Quarter, 5, 0)
	a.Apply(capacity.Hold, 0)
	if got := a.Pool().FreeBudget(); got != 0.75 {
		t.Fatalf("free budget after grant = %f, want 0.75", got)
	}

	// WHEN releasing it
	if err := a.Release(req.fraction.ID, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// THEN the freed budget equals the fraction size exactly
	if got := a.Pool().FreeBudget(); got != 1.0 {
		t.Errorf("free budget after release = %f, want 1.0", got)
	}
	if a.Fraction(req.fraction.ID) != nil {
		t.Errorf("released fraction still in-flight")
	}
}

func TestRelease_InvalidTransitions(t *testing.T) {
	a := newTestAllocator(t, 1, fixedThroughput{})

	// Unknown fraction.
	if err := a.Release("frac-999999", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Release(unknown) err = %v, want ErrInvalidTransition", err)
	}

	// Pending fraction: only Active and Provisioning are releasable.
	full := a.Submit("filler", Whole, 10, 0)
	a.Apply(capacity.Hold, 0)
	pending := a.Submit("stuck", Half, 5, 1)
	a.Apply(capacity.Hold, 1)
	if err := a.Release(pending.fraction.ID, 2); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Release(pending) err = %v, want ErrInvalidTransition", err)
	}

	// Double release.
	if err := a.Release(full.fraction.ID, 2); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := a.Release(full.fraction.ID, 3); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Release err = %v, want ErrInvalidTransition", err)
	}
}

func TestRelease_RetriesPendingRequests(t *testing.T) {
	// GIVEN a full instance with a request stuck Pending behind it
	a := newTestAllocator(t, 1, fixedThroughput{})
	blocker := a.Submit("blocker", Whole, 5, 0)
	a.Apply(capacity.Hold, 0)
	stuck := a.Submit("stuck", Half, 5, 1)
	a.Apply(capacity.Hold, 1)
	if stuck.fraction.State != Pending {
		t.Fatalf("setup: stuck state = %s, want %s", stuck.fraction.State, Pending)
	}

	// WHEN the blocking fraction is released
	if err := a.Release(blocker.fraction.ID, 2); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// THEN the freed capacity admits the stuck request within the same call
	if stuck.fraction.State != Provisioning {
		t.Errorf("stuck state after release = %s, want %s", stuck.fraction.State, Provisioning)
	}
	if got := a.PendingRequests(); got != 0 {
		t.Errorf("PendingRequests = %d, want 0", got)
	}
}

func TestAdvance_ProvisionWarmup(t *testing.T) {
	// GIVEN a granted fraction with a one-tick warm-up
	a := newTestAllocator(t, 1, fixedThroughput{})
	req := a.Submit("chat", Half, 8, 0)
	a.Apply(capacity.Hold, 0)
	if req.fraction.State != Provisioning {
		t.Fatalf("state after grant = %s, want %s", req.fraction.State, Provisioning)
	}

	// WHEN advancing on the same tick
	a.Advance(0)

	// THEN the warm-up has not elapsed yet
	if req.fraction.State != Provisioning {
		t.Errorf("state at grant tick = %s, want %s", req.fraction.State, Provisioning)
	}

	// AND it turns Active one tick later
	a.Advance(1)
	if req.fraction.State != Active {
		t.Errorf("state after warm-up = %s, want %s", req.fraction.State, Active)
	}
}

func TestBestInstance_PrefersSingleSlotOverSlivers(t *testing.T) {
	// GIVEN gpu-000 with one free 1/2 slot and gpu-001 with two free 1/4
	// slivers. Fill gpu-000 with two halves first so the quarter carves all
	// land on gpu-001, then free one half and two non-adjacent quarters.
	a := newTestAllocator(t, 2, fixedThroughput{})
	h1 := a.Submit("fill-1", Half, 10, 0)
	h2 := a.Submit("fill-2", Half, 10, 0)
	a.Apply(capacity.Hold, 0)

	q1 := a.Submit("carve-1", Quarter, 10, 1)
	q2 := a.Submit("carve-2", Quarter, 10, 1)
	q3 := a.Submit("carve-3", Quarter, 10, 1)
	q4 := a.Submit("carve-4", Quarter, 10, 1)
	a.Apply(capacity.Hold, 1)
	for _, q := range []*AllocationRequest{h1, q1, q2, q3, q4} {
		want := "gpu-001"
		if q == h1 {
			want = "gpu-000"
		}
		if q.fraction.Instance != want {
			t.Fatalf("setup: %s landed on %s, want %s", q.Workload, q.fraction.Instance, want)
		}
	}
	for _, id := range []string{h2.fraction.ID, q1.fraction.ID, q3.fraction.ID} {
		if err := a.Release(id, 2); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}

	// Both instances now hold 1/2 free: gpu-000 as one slot, gpu-001 as two.
	// WHEN a 1/2 request arrives
	req := a.Submit("chat", Half, 5, 3)
	a.Apply(capacity.Hold, 3)

	// THEN it takes the intact slot rather than spanning slivers
	if req.fraction.Instance != "gpu-000" {
		t.Errorf("placed on %s, want gpu-000", req.fraction.Instance)
	}
}

func TestEvict_OnlyIdleLowestPriority(t *testing.T) {
	// GIVEN an active high-priority idle fraction and an active low-priority
	// busy fraction
	throughput := fixedThroughput{"busy-low": 400.0, "idle-high": 0.0}
	a := newTestAllocator(t, 1, throughput)
	busy := a.Submit("busy-low", Quarter, 2, 0)
	idle := a.Submit("idle-high", Quarter, 9, 0)
	a.Apply(capacity.Hold, 0)
	a.Advance(1)

	// WHEN a scale-down lands
	a.Apply(capacity.ScaleDown, 2)

	// THEN the busy workload is protected regardless of priority
	if busy.fraction.State != Active {
		t.Errorf("busy fraction state = %s, want %s", busy.fraction.State, Active)
	}
	// AND the idle one is evicted
	if a.Fraction(idle.fraction.ID) != nil {
		t.Errorf("idle fraction still in-flight after scale-down")
	}
}

func TestEvict_AtMostOnePerDecision(t *testing.T) {
	// GIVEN three idle active fractions
	a := newTestAllocator(t, 1, fixedThroughput{})
	a.Submit("idle-a", Quarter, 3, 0)
	a.Submit("idle-b", Quarter, 5, 0)
	a.Submit("idle-c", Quarter, 7, 0)
	a.Apply(capacity.Hold, 0)
	a.Advance(1)

	// WHEN one scale-down lands
	a.Apply(capacity.ScaleDown, 2)

	// THEN exactly one fraction is evicted, the lowest-priority one
	var active int
	for _, inst := range a.Pool().Instances() {
		for _, f := range inst.Fractions() {
			if f.State == Active {
				active++
				if f.Workload == "idle-a" {
					t.Errorf("lowest-priority fraction survived while others were candidates")
				}
			}
		}
	}
	if active != 2 {
		t.Errorf("active fractions after one scale-down = %d, want 2", active)
	}
}

func TestEvict_NoEligibleVictimIsNoOp(t *testing.T) {
	// GIVEN only busy fractions
	a := newTestAllocator(t, 1, fixedThroughput{"busy": 900.0})
	req := a.Submit("busy", Half, 5, 0)
	a.Apply(capacity.Hold, 0)
	a.Advance(1)

	a.Apply(capacity.ScaleDown, 2)

	if req.fraction.State != Active {
		t.Errorf("busy fraction state = %s, want %s", req.fraction.State, Active)
	}
}

func TestDrainEvents_CursorAdvances(t *testing.T) {
	a := newTestAllocator(t, 1, fixedThroughput{})
	a.Submit("chat", Quarter, 5, 0)
	a.Apply(capacity.Hold, 0)

	first := a.DrainEvents()
	if len(first) == 0 {
		t.Fatalf("first drain returned no events")
	}
	if second := a.DrainEvents(); len(second) != 0 {
		t.Errorf("second drain returned %d events, want 0", len(second))
	}

	a.Advance(1)
	third := a.DrainEvents()
	if len(third) != 1 || third[0].To != Active {
		t.Errorf("third drain = %v, want single transition to %s", third, Active)
	}
}

func TestCheckpointRestore_RollsBackMutations(t *testing.T) {
	// GIVEN a placed fraction and a checkpoint
	a := newTestAllocator(t, 1, fixedThroughput{})
	req := a.Submit("chat", Half, 8, 0)
	a.Apply(capacity.Hold, 0)
	a.Advance(1)
	a.DrainEvents()
	cp := a.Checkpoint()

	// WHEN mutating past the checkpoint
	if err := a.Release(req.fraction.ID, 2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	extra := a.Submit("late", Quarter, 5, 2)
	a.Apply(capacity.Hold, 2)
	if got := a.Pool().FreeBudget(); got != 0.75 {
		t.Fatalf("free budget before restore = %f, want 0.75", got)
	}

	// AND restoring
	a.Restore(cp)

	// THEN budget, in-flight set, and event cursor are back to the
	// checkpointed state
	if got := a.Pool().FreeBudget(); got != 0.5 {
		t.Errorf("free budget after restore = %f, want 0.5", got)
	}
	restored := a.Fraction(req.fraction.ID)
	if restored == nil || restored.State != Active {
		t.Errorf("restored fraction = %v, want Active", restored)
	}
	if a.Fraction(extra.fraction.ID) != nil {
		t.Errorf("post-checkpoint fraction survived restore")
	}
	if events := a.DrainEvents(); len(events) != 0 {
		t.Errorf("post-restore drain returned %d events, want 0", len(events))
	}
}
