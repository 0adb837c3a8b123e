package alloc

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/capacity-sim/capacity-sim/sim/capacity"
)

// ThroughputReader is the narrow ledger capability the allocator needs for
// scale-down eligibility: the workload's recent token throughput.
type ThroughputReader interface {
	RecentThroughput(workload string) float64
}

// Config holds allocator tuning knobs.
type Config struct {
	// ProvisionTicks is the simulated warm-up: a placed fraction stays in
	// Provisioning this many ticks before turning Active. Must be >= 1 so
	// downstream reporting observes partial-readiness states.
	ProvisionTicks int64
	// DeprovisionTicks is the drain time between Deprovisioning and
	// Released. 0 means Release frees capacity immediately.
	DeprovisionTicks int64
	// IdleThresholdTPS: workloads below this recent throughput are eligible
	// for eviction under ScaleDown.
	IdleThresholdTPS float64
}

// DefaultConfig returns the standard allocator tuning.
func DefaultConfig() Config {
	return Config{
		ProvisionTicks:   1,
		DeprovisionTicks: 0,
		IdleThresholdTPS: 1.0,
	}
}

// Allocator owns the allocation request queue and is the only writer of
// instance fraction tables. A single mutex serializes queue operations;
// per-instance mutation is additionally guarded by each instance's own lock.
type Allocator struct {
	mu sync.Mutex

	pool       *Pool
	cfg        Config
	throughput ThroughputReader

	queue    requestQueue
	reqSeq   int64
	fracSeq  int64
	inflight map[string]*GPUFraction // fraction ID -> fraction, all non-terminal

	events []Event
	cursor int
}

// NewAllocator creates an Allocator over pool. throughput may not be nil:
// eviction eligibility is defined in terms of ledger throughput.
// Panics on invalid config (programmer error).
func NewAllocator(pool *Pool, cfg Config, throughput ThroughputReader) *Allocator {
	if pool == nil {
		panic("alloc.NewAllocator: pool must not be nil")
	}
	if throughput == nil {
		panic("alloc.NewAllocator: throughput reader must not be nil")
	}
	if cfg.ProvisionTicks < 1 {
		panic(fmt.Sprintf("alloc.NewAllocator: ProvisionTicks must be >= 1, got %d", cfg.ProvisionTicks))
	}
	if cfg.DeprovisionTicks < 0 {
		panic(fmt.Sprintf("alloc.NewAllocator: DeprovisionTicks must be >= 0, got %d", cfg.DeprovisionTicks))
	}
	return &Allocator{
		pool:       pool,
		cfg:        cfg,
		throughput: throughput,
		inflight:   make(map[string]*GPUFraction),
	}
}

// Pool returns the allocator's pool.
func (a *Allocator) Pool() *Pool { return a.pool }

// Submit enqueues an allocation request for a workload. The returned request
// carries the fraction that will move through the lifecycle; the fraction
// starts Pending, the only state reachable from submission.
// Panics on an invalid size or out-of-range priority (programmer error: the
// CLI layer validates user input before it gets here).
func (a *Allocator) Submit(workload string, size Size, priority int, now int64) *AllocationRequest {
	if !size.Valid() {
		panic(fmt.Sprintf("alloc.Submit: size must be one of 1/8, 1/4, 1/2, 1; got %s", size))
	}
	if priority < MinPriority || priority > MaxPriority {
		panic(fmt.Sprintf("alloc.Submit: priority must be in [%d,%d], got %d", MinPriority, MaxPriority, priority))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reqSeq++
	a.fracSeq++
	frac := &GPUFraction{
		ID:       fmt.Sprintf("frac-%06d", a.fracSeq),
		Workload: workload,
		Size:     size,
		Priority: priority,
		State:    Pending,
	}
	req := &AllocationRequest{
		ID:          fmt.Sprintf("req-%06d", a.reqSeq),
		Workload:    workload,
		Size:        size,
		Priority:    priority,
		SubmittedAt: now,
		fraction:    frac,
		seq:         a.reqSeq,
	}
	a.inflight[frac.ID] = frac
	heap.Push(&a.queue, req)
	logrus.Debugf("[tick %07d] submitted %s", now, req)
	return req
}

// PendingRequests returns the number of requests still waiting for placement.
func (a *Allocator) PendingRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// Fraction returns the in-flight fraction with the given ID, or nil if it is
// unknown or already Released.
func (a *Allocator) Fraction(id string) *GPUFraction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight[id]
}

// Apply consumes one scaling decision. Hold and ScaleUp drain the admission
// queue (Pending requests are a normal steady state, retried every drain);
// ScaleDown evicts at most one idle, lowest-priority fraction.
func (a *Allocator) Apply(decision capacity.Decision, now int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch decision {
	case capacity.ScaleUp, capacity.Hold:
		a.drainLocked(now)
	case capacity.ScaleDown:
		a.evictOneLocked(now)
	}
}

// Advance completes timed transitions: Provisioning fractions whose warm-up
// elapsed turn Active, Deprovisioning fractions whose drain elapsed turn
// Released (freeing capacity at that transition, not before).
func (a *Allocator) Advance(now int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, frac := range a.sortedInflightLocked() {
		switch frac.State {
		case Provisioning:
			if now >= frac.readyAt {
				a.transitionLocked(frac, Active, now)
			}
		case Deprovisioning:
			if now >= frac.releasedAt {
				a.releaseLocked(frac, now)
			}
		}
	}
}

// Release moves an Active or Provisioning fraction through Deprovisioning to
// Released. With zero drain time capacity is freed within this call; the
// freed capacity immediately retries pending requests, since a release is
// exactly the event a stuck Pending request is waiting for.
// Releasing a fraction in any other state fails with ErrInvalidTransition.
func (a *Allocator) Release(fractionID string, now int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	frac, ok := a.inflight[fractionID]
	if !ok {
		return fmt.Errorf("%w: fraction %q is unknown or already released", ErrInvalidTransition, fractionID)
	}
	if frac.State != Active && frac.State != Provisioning {
		return fmt.Errorf("%w: cannot release fraction %s in state %s", ErrInvalidTransition, fractionID, frac.State)
	}
	a.transitionLocked(frac, Deprovisioning, now)
	frac.releasedAt = now + a.cfg.DeprovisionTicks
	if a.cfg.DeprovisionTicks == 0 {
		a.releaseLocked(frac, now)
		a.drainLocked(now)
	}
	return nil
}

// releaseLocked finishes Deprovisioning -> Released and returns the
// fraction's slots to its instance. Capacity accounting is exact: the free
// budget grows by the fraction's size at this transition and no other.
func (a *Allocator) releaseLocked(frac *GPUFraction, now int64) {
	inst := a.pool.Instance(frac.Instance)
	a.transitionLocked(frac, Released, now)
	delete(a.inflight, frac.ID)
	if inst != nil {
		inst.reclaim(frac)
	}
}

// drainLocked admits requests in strict priority order until the head of the
// queue cannot be placed. Head-of-line blocking is deliberate: skipping past
// a big high-priority request to admit small low-priority ones would starve
// the workload the priority exists to protect.
func (a *Allocator) drainLocked(now int64) {
	for a.queue.Len() > 0 {
		req := a.queue.peek()
		inst := a.bestInstanceLocked(req.Size)
		if inst == nil {
			// Insufficient free budget anywhere: the request stays Pending
			// and is retried on the next drain or release event.
			logrus.Debugf("[tick %07d] no placement for %s, %d request(s) remain pending",
				now, req, a.queue.Len())
			return
		}
		if err := inst.place(req.fraction, now); err != nil {
			// plan() said it fits but place() disagreed: committed fractions
			// changed underneath us. Leave the request pending.
			logrus.Warnf("[tick %07d] placement of %s on %s failed: %v", now, req, inst.ID(), err)
			return
		}
		heap.Pop(&a.queue)
		req.fraction.readyAt = now + a.cfg.ProvisionTicks
		a.transitionLocked(req.fraction, Provisioning, now)
		logrus.Debugf("[tick %07d] placed %s on %s (free budget now %.3f)",
			now, req.fraction, inst.ID(), inst.FreeBudget())
	}
}

// bestInstanceLocked scans the pool for the instance that can host size with
// the lowest fragmentation cost: fewest slots spanned, then smallest
// leftover budget (best fit), then lowest instance ID for determinism.
func (a *Allocator) bestInstanceLocked(size Size) *GPUInstance {
	var best *GPUInstance
	var bestPlan placementPlan
	for _, inst := range a.pool.Instances() {
		p, ok := inst.plan(size)
		if !ok {
			continue
		}
		if best == nil || lessPlan(p, bestPlan) {
			best = inst
			bestPlan = p
		}
	}
	return best
}

func lessPlan(a, b placementPlan) bool {
	if a.spanned != b.spanned {
		return a.spanned < b.spanned
	}
	return a.leftover < b.leftover
}

// evictOneLocked releases the lowest-priority eligible fraction, where
// eligible means Active and owned by a workload whose recent throughput is
// below the idle threshold. A workload actively generating tokens is never
// evicted, whatever its priority: scale-down must not break SLO compliance.
// At most one fraction per ScaleDown decision.
func (a *Allocator) evictOneLocked(now int64) {
	var victim *GPUFraction
	for _, frac := range a.sortedInflightLocked() {
		if frac.State != Active {
			continue
		}
		if a.throughput.RecentThroughput(frac.Workload) >= a.cfg.IdleThresholdTPS {
			continue
		}
		if victim == nil || frac.Priority < victim.Priority ||
			(frac.Priority == victim.Priority && frac.AllocatedAt < victim.AllocatedAt) {
			victim = frac
		}
	}
	if victim == nil {
		logrus.Debugf("[tick %07d] scale-down: no idle fraction eligible for eviction", now)
		return
	}
	logrus.Infof("[tick %07d] scale-down: evicting %s", now, victim)
	a.transitionLocked(victim, Deprovisioning, now)
	victim.releasedAt = now + a.cfg.DeprovisionTicks
	if a.cfg.DeprovisionTicks == 0 {
		a.releaseLocked(victim, now)
	}
}

// sortedInflightLocked returns in-flight fractions ordered by ID so every
// pass over them is deterministic.
func (a *Allocator) sortedInflightLocked() []*GPUFraction {
	out := make([]*GPUFraction, 0, len(a.inflight))
	for _, f := range a.inflight {
		out = append(out, f)
	}
	// IDs are zero-padded sequence numbers, so string order is issue order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// transitionLocked moves a fraction to next and records the event.
// State transitions are one-directional; this is the single write point.
func (a *Allocator) transitionLocked(frac *GPUFraction, next State, now int64) {
	a.events = append(a.events, Event{
		Tick:       now,
		FractionID: frac.ID,
		Workload:   frac.Workload,
		Instance:   frac.Instance,
		From:       frac.State,
		To:         next,
	})
	frac.State = next
}

// DrainEvents returns the fraction transitions recorded since the previous
// call and advances the cursor. Each snapshot sees only new events.
func (a *Allocator) DrainEvents() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cursor >= len(a.events) {
		return nil
	}
	out := make([]Event, len(a.events)-a.cursor)
	copy(out, a.events[a.cursor:])
	a.cursor = len(a.events)
	return out
}

// Checkpoint captures the allocator's full mutable state (pool included) for
// fatal-recovery: the engine checkpoints before the allocator phase of a
// tick and restores if a post-mutation invariant violation surfaces.
type Checkpoint struct {
	instances []*GPUInstance
	queue     requestQueue
	inflight  map[string]*GPUFraction
	reqSeq    int64
	fracSeq   int64
	events    int
	cursor    int
}

// Checkpoint deep-copies pool and queue state.
func (a *Allocator) Checkpoint() *Checkpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := &Checkpoint{
		instances: make([]*GPUInstance, len(a.pool.instances)),
		queue:     make(requestQueue, len(a.queue)),
		inflight:  make(map[string]*GPUFraction, len(a.inflight)),
		reqSeq:    a.reqSeq,
		fracSeq:   a.fracSeq,
		events:    len(a.events),
		cursor:    a.cursor,
	}
	for i, inst := range a.pool.instances {
		cp.instances[i] = inst.checkpoint()
	}
	// Fractions must be cloned once and shared between the queue copy and
	// the inflight copy, or restore would tear the request/fraction link.
	clones := make(map[string]*GPUFraction, len(a.inflight))
	for id, f := range a.inflight {
		clones[id] = f.clone()
		cp.inflight[id] = clones[id]
	}
	for i, req := range a.queue {
		r := *req
		if c, ok := clones[req.fraction.ID]; ok {
			r.fraction = c
		}
		cp.queue[i] = &r
	}
	return cp
}

// Restore rolls the allocator and pool back to a checkpoint.
func (a *Allocator) Restore(cp *Checkpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, inst := range a.pool.instances {
		inst.restore(cp.instances[i])
	}
	// Re-link restored instance fraction tables to the checkpoint clones so
	// inflight and instance views stay the same objects.
	for _, inst := range a.pool.instances {
		inst.mu.Lock()
		for id := range inst.fractions {
			if f, ok := cp.inflight[id]; ok {
				inst.fractions[id] = f
			}
		}
		inst.mu.Unlock()
	}
	a.queue = make(requestQueue, len(cp.queue))
	copy(a.queue, cp.queue)
	a.inflight = make(map[string]*GPUFraction, len(cp.inflight))
	for id, f := range cp.inflight {
		a.inflight[id] = f
	}
	a.reqSeq = cp.reqSeq
	a.fracSeq = cp.fracSeq
	a.events = a.events[:cp.events]
	a.cursor = cp.cursor
}
