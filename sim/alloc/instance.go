package alloc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/capacity-sim/capacity-sim/sim/config"
)

// invariantViolation is thrown (via panic) when an instance's fraction table
// is found inconsistent after a mutation already completed. This is a model
// bug, not bad input: the engine catches it, aborts the tick, and restores
// the pre-tick checkpoint.
type invariantViolation struct {
	Instance string
	Detail   string
}

func (v invariantViolation) Error() string {
	return fmt.Sprintf("fraction table invariant violated on %s: %s", v.Instance, v.Detail)
}

// IsInvariantViolation reports whether a recovered panic value is a
// post-mutation capacity invariant violation, and returns its description.
// The engine uses this to abort the tick instead of crashing the process.
func IsInvariantViolation(r any) (string, bool) {
	if v, ok := r.(invariantViolation); ok {
		return v.Error(), true
	}
	return "", false
}

// GPUInstance is one simulated GPU. Free capacity is kept as a multiset of
// standard-size slots; released slots return as-is (no eager coalescing),
// which is what produces fragmentation over time. All fraction-table
// mutations are serialized by the instance's own mutex, so admission scans
// across instances can run concurrently.
type GPUInstance struct {
	mu sync.Mutex

	id      string
	gpuType config.GPUType

	// Telemetry, refreshed by the engine each tick. Utilization drives
	// scaling; temperature and power are cosmetic but bounded.
	utilization float64 // percent [0,100]
	temperature float64 // Celsius
	powerWatts  float64

	freeSlots []Size
	fractions map[string]*GPUFraction
}

// NewGPUInstance creates an instance with a single whole free slot.
// Panics on an empty id (programmer error).
func NewGPUInstance(id string, gpuType config.GPUType) *GPUInstance {
	if id == "" {
		panic("alloc.NewGPUInstance: id must not be empty")
	}
	return &GPUInstance{
		id:        id,
		gpuType:   gpuType,
		freeSlots: []Size{Whole},
		fractions: make(map[string]*GPUFraction),
	}
}

// ID returns the instance identifier.
func (g *GPUInstance) ID() string { return g.id }

// Type returns the instance's catalog entry.
func (g *GPUInstance) Type() config.GPUType { return g.gpuType }

// Utilization returns the last recorded aggregate utilization percent.
func (g *GPUInstance) Utilization() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.utilization
}

// Temperature returns the last recorded temperature in Celsius.
func (g *GPUInstance) Temperature() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.temperature
}

// PowerWatts returns the last recorded power draw.
func (g *GPUInstance) PowerWatts() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.powerWatts
}

// setTelemetry records per-tick telemetry, clamping to bounded ranges.
func (g *GPUInstance) setTelemetry(utilization, temperature, powerWatts float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.utilization = clamp(utilization, 0, 100)
	g.temperature = clamp(temperature, 20, 95)
	g.powerWatts = clamp(powerWatts, 0, 1200)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FreeBudget returns the allocatable capacity as a fraction in [0,1]:
// the sum of free slots, i.e. 1.0 minus everything still holding capacity.
func (g *GPUInstance) FreeBudget() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeEighths().Value()
}

func (g *GPUInstance) freeEighths() Size {
	var sum Size
	for _, s := range g.freeSlots {
		sum += s
	}
	return sum
}

// committedEighths sums fractions in {Provisioning, Active}.
func (g *GPUInstance) committedEighths() Size {
	var sum Size
	for _, f := range g.fractions {
		if f.committed() {
			sum += f.Size
		}
	}
	return sum
}

// FragmentationCount returns how many free slots this instance carries beyond
// the minimal decomposition of its free budget: 0 means the free capacity is
// as compact as it can be, each extra sliver adds 1.
func (g *GPUInstance) FragmentationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.freeSlots) - minSlots(g.freeEighths())
	if n < 0 {
		return 0
	}
	return n
}

// Fractions returns a copy of the instance's fraction table, sorted by ID.
func (g *GPUInstance) Fractions() []*GPUFraction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*GPUFraction, 0, len(g.fractions))
	for _, f := range g.fractions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// placementPlan is the cost of placing a size on an instance, compared
// lexicographically: spanning fewer slots beats a smaller leftover, which
// beats a lower instance ID. Spanning slivers is exactly the fragmentation
// the best-fit policy avoids.
type placementPlan struct {
	spanned  int
	leftover Size
}

// plan computes the placement cost for size without mutating. ok is false
// when free budget is insufficient.
func (g *GPUInstance) plan(size Size) (placementPlan, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	free := g.freeEighths()
	if free < size {
		return placementPlan{}, false
	}
	slots := append([]Size(nil), g.freeSlots...)
	sort.Slice(slots, func(i, j int) bool { return slots[i] > slots[j] })
	spanned := 0
	rem := size
	for _, s := range slots {
		if rem <= 0 {
			break
		}
		spanned++
		if s >= rem {
			rem = 0
		} else {
			rem -= s
		}
	}
	return placementPlan{spanned: spanned, leftover: free - size}, true
}

// place commits fraction onto this instance, all-or-nothing. Exact-fit slots
// are preferred; a larger slot is split, its remainder returned to the free
// list in standard sizes. Fails with ErrCapacityExceeded when committing
// would push the {Provisioning, Active} sum past 1.0.
func (g *GPUInstance) place(fraction *GPUFraction, now int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.freeEighths() < fraction.Size {
		return fmt.Errorf("%w: instance %s has %s free, requested %s",
			ErrCapacityExceeded, g.id, g.freeEighths(), fraction.Size)
	}
	if g.committedEighths()+fraction.Size > granules {
		return fmt.Errorf("%w: instance %s committed %s, placing %s would exceed 1.0",
			ErrCapacityExceeded, g.id, g.committedEighths(), fraction.Size)
	}

	// Prefer the smallest single slot that fits; otherwise span multiple
	// slots largest-first. Either way the consumed capacity is recorded on
	// the fraction so Release returns exactly these slots.
	taken, remainder := takeSlots(g.freeSlots, fraction.Size)
	g.freeSlots = remainder

	occupied := make([]Size, 0, len(taken))
	rem := fraction.Size
	for _, s := range taken {
		if s >= rem {
			occupied = append(occupied, rem)
			if s > rem {
				g.freeSlots = append(g.freeSlots, decompose(s-rem)...)
			}
			rem = 0
		} else {
			occupied = append(occupied, s)
			rem -= s
		}
	}

	fraction.slots = occupied
	fraction.Instance = g.id
	fraction.AllocatedAt = now
	g.fractions[fraction.ID] = fraction

	g.verifyLocked()
	return nil
}

// takeSlots removes a covering set of slots for size from free, returning
// the taken slots and the remaining free list. Single-slot best fit first.
func takeSlots(free []Size, size Size) (taken, remainder []Size) {
	// Best single slot: smallest slot >= size.
	best := -1
	for i, s := range free {
		if s >= size && (best == -1 || s < free[best]) {
			best = i
		}
	}
	if best >= 0 {
		taken = []Size{free[best]}
		remainder = append(append([]Size(nil), free[:best]...), free[best+1:]...)
		return taken, remainder
	}
	// Span multiple slots, largest first.
	sorted := append([]Size(nil), free...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	var rem Size = size
	for _, s := range sorted {
		if rem <= 0 {
			remainder = append(remainder, s)
			continue
		}
		taken = append(taken, s)
		rem -= s
	}
	return taken, remainder
}

// reclaim returns a released fraction's slots to the free list as-is.
// Caller must have already moved the fraction to Released.
func (g *GPUInstance) reclaim(fraction *GPUFraction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.freeSlots = append(g.freeSlots, fraction.slots...)
	fraction.slots = nil
	delete(g.fractions, fraction.ID)
	g.verifyLocked()
}

// verifyLocked asserts the instance's capacity accounting after a completed
// mutation. A failure here means the model itself is inconsistent: panic so
// the engine aborts the tick and restores the pre-tick checkpoint.
func (g *GPUInstance) verifyLocked() {
	committed := g.committedEighths()
	if committed > granules {
		panic(invariantViolation{
			Instance: g.id,
			Detail:   fmt.Sprintf("committed fractions sum to %s > 1.0", committed),
		})
	}
	var held Size
	for _, f := range g.fractions {
		for _, s := range f.slots {
			held += s
		}
	}
	if held+g.freeEighths() != granules {
		panic(invariantViolation{
			Instance: g.id,
			Detail: fmt.Sprintf("held %s + free %s != total capacity %s",
				held, g.freeEighths(), Size(granules)),
		})
	}
}

// checkpoint deep-copies the instance's mutable state.
func (g *GPUInstance) checkpoint() *GPUInstance {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := &GPUInstance{
		id:          g.id,
		gpuType:     g.gpuType,
		utilization: g.utilization,
		temperature: g.temperature,
		powerWatts:  g.powerWatts,
		freeSlots:   append([]Size(nil), g.freeSlots...),
		fractions:   make(map[string]*GPUFraction, len(g.fractions)),
	}
	for id, f := range g.fractions {
		cp.fractions[id] = f.clone()
	}
	return cp
}

// restore replaces the instance's mutable state from a checkpoint.
func (g *GPUInstance) restore(cp *GPUInstance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.utilization = cp.utilization
	g.temperature = cp.temperature
	g.powerWatts = cp.powerWatts
	g.freeSlots = append([]Size(nil), cp.freeSlots...)
	g.fractions = make(map[string]*GPUFraction, len(cp.fractions))
	for id, f := range cp.fractions {
		g.fractions[id] = f.clone()
	}
}

// Pool is a fixed set of GPU instances plus an observation generation
// counter: the capacity controller makes debounce progress only when the
// generation has advanced, so re-ticking without new telemetry is a no-op.
type Pool struct {
	instances []*GPUInstance
	gen       atomic.Uint64
}

// NewPool creates a pool over instances. The instance list is fixed for the
// pool's lifetime; explicit adds model scale-up in the consuming layer.
func NewPool(instances []*GPUInstance) *Pool {
	p := &Pool{instances: instances}
	return p
}

// Size returns the number of instances.
func (p *Pool) Size() int { return len(p.instances) }

// Instances returns the pool's instances in declaration order.
func (p *Pool) Instances() []*GPUInstance { return p.instances }

// Generation returns the observation generation counter.
func (p *Pool) Generation() uint64 { return p.gen.Load() }

// UpdateTelemetry records fresh per-instance telemetry and advances the
// observation generation exactly once for the batch.
func (p *Pool) UpdateTelemetry(readings map[string]Telemetry) {
	for _, inst := range p.instances {
		if r, ok := readings[inst.id]; ok {
			inst.setTelemetry(r.Utilization, r.Temperature, r.PowerWatts)
		}
	}
	p.gen.Add(1)
}

// Telemetry is one instance's per-tick reading.
type Telemetry struct {
	Utilization float64
	Temperature float64
	PowerWatts  float64
}

// AggregateUtilization returns the mean utilization percent across instances,
// 0 for an empty pool.
func (p *Pool) AggregateUtilization() float64 {
	if len(p.instances) == 0 {
		return 0
	}
	var sum float64
	for _, inst := range p.instances {
		sum += inst.Utilization()
	}
	return sum / float64(len(p.instances))
}

// FreeBudget returns the summed allocatable capacity across the pool, in
// whole-GPU units.
func (p *Pool) FreeBudget() float64 {
	var sum float64
	for _, inst := range p.instances {
		sum += inst.FreeBudget()
	}
	return sum
}

// FragmentationCount sums per-instance fragmentation slivers.
func (p *Pool) FragmentationCount() int {
	var n int
	for _, inst := range p.instances {
		n += inst.FragmentationCount()
	}
	return n
}

// Instance returns the instance with the given ID, or nil.
func (p *Pool) Instance(id string) *GPUInstance {
	for _, inst := range p.instances {
		if inst.id == id {
			return inst
		}
	}
	return nil
}
