// Package sim wires the capacity engine together: a tick-driven loop over
// the metrics ledger, cost model, capacity controller, and fraction
// allocator, plus the synthetic workload generator that drives them.
package sim

import (
	"hash/fnv"
	"math/rand"
)

// Subsystem names one consumer of randomness. Each subsystem draws from its
// own deterministic stream, so adding draws to one subsystem never perturbs
// another, so scenario replays stay stable across refactors.
type Subsystem string

const (
	SubsystemWorkload  Subsystem = "workload"
	SubsystemTelemetry Subsystem = "telemetry"
)

// SimulationKey is the root seed for one simulation run.
type SimulationKey struct {
	seed int64
}

// NewSimulationKey wraps a seed. Demo mode passes wall-clock time; tests pass
// a fixed value for reproducibility.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey{seed: seed}
}

// PartitionedRNG derives independent deterministic streams per subsystem
// from a single root seed.
type PartitionedRNG struct {
	key  SimulationKey
	rngs map[Subsystem]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG for key.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:  key,
		rngs: make(map[Subsystem]*rand.Rand),
	}
}

// ForSubsystem returns the subsystem's stream, creating it on first use.
// The per-subsystem seed is the root seed mixed with a hash of the name.
func (p *PartitionedRNG) ForSubsystem(s Subsystem) *rand.Rand {
	if rng, ok := p.rngs[s]; ok {
		return rng
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	seed := p.key.seed ^ int64(h.Sum64())
	rng := rand.New(rand.NewSource(seed))
	p.rngs[s] = rng
	return rng
}
