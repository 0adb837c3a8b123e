package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/capacity-sim/capacity-sim/sim/alloc"
	"github.com/capacity-sim/capacity-sim/sim/config"
	"github.com/capacity-sim/capacity-sim/sim/ledger"
)

// WorkloadSpec describes one synthetic workload competing for capacity.
type WorkloadSpec struct {
	Name     string
	Weight   float64 // share of total baseline demand, must be > 0
	Priority int     // allocation priority, 1-10
	GPUType  string  // catalog type this workload runs on
	// FractionSize is the unit the autopilot requests when the pool strains.
	FractionSize alloc.Size
}

// SpikeWindow marks a tick range during which demand is multiplied by the
// baseline's spike multiplier. Zero value means no spike.
type SpikeWindow struct {
	StartTick int64
	EndTick   int64 // exclusive
}

func (w SpikeWindow) active(tick int64) bool {
	return w.StartTick < w.EndTick && tick >= w.StartTick && tick < w.EndTick
}

// DemandSummary is one tick's demand/served accounting, fed back into the
// utilization signal the capacity controller samples.
type DemandSummary struct {
	TotalDemandTPS float64 // tokens/sec asked for this tick, backlog included
	TotalServedTPS float64 // tokens/sec actually generated
	Backlog        map[string]int
}

// Generator produces per-tick workload activity from the configured baseline:
// request arrivals per workload, tokens served subject to allocated capacity,
// TTFT samples, and queue depth. Deterministic under a seeded RNG.
type Generator struct {
	baseline         config.WorkloadBaseline
	specs            []WorkloadSpec
	spike            SpikeWindow
	tokensPerRequest int
	rng              *rand.Rand

	// backlog is the per-workload count of arrived-but-unserved requests,
	// carried across ticks.
	backlog map[string]float64
}

// TTFT model constants: a lightly loaded fraction answers around baseTTFTMs;
// latency grows quadratically as demand approaches allocated capacity and is
// capped so one overloaded tick cannot produce absurd samples.
const (
	baseTTFTMs    = 80.0
	loadedTTFTMs  = 300.0
	maxSampleTTFT = 5000.0
)

// NewGenerator creates a Generator. Panics if specs is empty or weights are
// not positive (programmer error; the engine validates configs first).
func NewGenerator(baseline config.WorkloadBaseline, specs []WorkloadSpec, spike SpikeWindow,
	tokensPerRequest int, rng *rand.Rand) *Generator {
	if len(specs) == 0 {
		panic("sim.NewGenerator: at least one workload spec required")
	}
	if tokensPerRequest <= 0 {
		panic(fmt.Sprintf("sim.NewGenerator: tokensPerRequest must be > 0, got %d", tokensPerRequest))
	}
	for _, s := range specs {
		if s.Weight <= 0 {
			panic(fmt.Sprintf("sim.NewGenerator: workload %q weight must be > 0, got %g", s.Name, s.Weight))
		}
	}
	return &Generator{
		baseline:         baseline,
		specs:            specs,
		spike:            spike,
		tokensPerRequest: tokensPerRequest,
		rng:              rng,
		backlog:          make(map[string]float64),
	}
}

// Advance simulates one tick of workload activity. capacityTPS maps workload
// name to the token throughput its Active fractions currently provide; the
// generator serves arrivals up to that capacity, queues the rest, and records
// samples and queue depths into the ledger.
func (g *Generator) Advance(tick, nowMs, tickMs int64, capacityTPS map[string]float64, led *ledger.Ledger) DemandSummary {
	tickSec := float64(tickMs) / 1000.0
	multiplier := 1.0
	if g.spike.active(tick) {
		multiplier = g.baseline.SpikeMultiplier
	}

	summary := DemandSummary{Backlog: make(map[string]int, len(g.specs))}
	totalWeight := 0.0
	for _, s := range g.specs {
		totalWeight += s.Weight
	}

	for _, spec := range g.specs {
		share := spec.Weight / totalWeight
		jitter := 1.0 + (g.rng.Float64()-0.5)*0.1 // ±5% arrival noise
		arrivals := float64(g.baseline.BaselineQPS) * share * multiplier * jitter * tickSec

		capacity := capacityTPS[spec.Name]
		capacityReqs := capacity * tickSec / float64(g.tokensPerRequest)

		pending := g.backlog[spec.Name] + arrivals
		served := math.Min(pending, capacityReqs)
		g.backlog[spec.Name] = pending - served

		servedTokens := int64(served * float64(g.tokensPerRequest))
		if servedTokens > 0 {
			ttft := g.sampleTTFT(pending, capacityReqs)
			led.RecordSample(spec.Name, servedTokens, nowMs, nowMs+int64(ttft), spec.GPUType)
		}
		depth := int(math.Round(g.backlog[spec.Name]))
		if err := led.RecordQueueDepth(spec.Name, depth); err != nil {
			// depth is computed non-negative above; reaching here is a bug.
			panic(err)
		}

		summary.Backlog[spec.Name] = depth
		summary.TotalDemandTPS += pending * float64(g.tokensPerRequest) / tickSec
		summary.TotalServedTPS += served * float64(g.tokensPerRequest) / tickSec
	}
	return summary
}

// sampleTTFT draws a TTFT in ms for the tick's served requests: quadratic in
// the demand/capacity ratio, ±10% noise, bounded above.
func (g *Generator) sampleTTFT(pendingReqs, capacityReqs float64) float64 {
	ratio := 1.0
	if capacityReqs > 0 {
		ratio = math.Min(pendingReqs/capacityReqs, 3.0)
	}
	ttft := baseTTFTMs + loadedTTFTMs*ratio*ratio
	ttft *= 1.0 + (g.rng.Float64()-0.5)*0.2
	return math.Min(ttft, maxSampleTTFT)
}

// MostBacklogged returns the workload with the deepest queue, ties broken by
// declaration order. ok is false when nothing is backlogged.
func (g *Generator) MostBacklogged() (WorkloadSpec, bool) {
	var best WorkloadSpec
	bestDepth := 0.0
	found := false
	for _, spec := range g.specs {
		if d := g.backlog[spec.Name]; d > bestDepth {
			best = spec
			bestDepth = d
			found = true
		}
	}
	return best, found
}

// Specs returns the configured workload specs.
func (g *Generator) Specs() []WorkloadSpec { return g.specs }
