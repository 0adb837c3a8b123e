package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/capacity-sim/capacity-sim/sim/alloc"
	"github.com/capacity-sim/capacity-sim/sim/capacity"
	"github.com/capacity-sim/capacity-sim/sim/config"
	"github.com/capacity-sim/capacity-sim/sim/cost"
	"github.com/capacity-sim/capacity-sim/sim/ledger"
)

// ErrModelInconsistent reports an invariant violation detected after a
// mutation already completed. Unlike the recoverable error kinds, this means
// the model itself is broken: the failing tick is rolled back to its
// checkpoint and the caller should stop the run.
var ErrModelInconsistent = errors.New("simulation model inconsistent")

// EngineConfig holds all configuration for creating an Engine.
type EngineConfig struct {
	Catalog  config.Catalog
	SLO      config.SLOTargets
	Baseline config.WorkloadBaseline

	Workloads []WorkloadSpec
	Instances []InstanceSpec

	Seed  int64
	Spike SpikeWindow

	// TickMs is the simulated duration of one tick in milliseconds.
	TickMs int64
	// TokensPerRequest sizes synthetic requests.
	TokensPerRequest int
	// PerGPUTokensPerSecond is the token throughput one whole GPU provides;
	// a fraction provides its proportional share.
	PerGPUTokensPerSecond int
	// ThroughputWindowMs is the trailing window for throughput queries
	// (snapshot TPS and eviction eligibility).
	ThroughputWindowMs int64

	Thresholds capacity.Thresholds
	Alloc      alloc.Config

	// Autopilot submits an allocation request for the most backlogged
	// workload whenever the controller recommends ScaleUp. Disable to drive
	// allocation manually (tests, interactive demos).
	Autopilot bool
}

// InstanceSpec declares one pool member.
type InstanceSpec struct {
	ID      string
	GPUType string
}

// DefaultEngineConfig fills the tuning knobs that rarely change; callers set
// catalog, SLO, baseline, workloads, and instances.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickMs:                1000,
		TokensPerRequest:      250,
		PerGPUTokensPerSecond: 2500,
		ThroughputWindowMs:    10_000,
		Thresholds:            capacity.DefaultThresholds(),
		Alloc:                 alloc.DefaultConfig(),
		Autopilot:             true,
	}
}

// Engine is the tick-driven simulation core: one logical clock, and within a
// tick the ledger update, controller sample, and allocator admission/eviction
// run to completion in that order; ticks never overlap.
type Engine struct {
	cfg EngineConfig

	clock int64

	ledger     *ledger.Ledger
	costModel  *cost.Model
	controller *capacity.Controller
	pool       *alloc.Pool
	allocator  *alloc.Allocator
	generator  *Generator
	rng        *PartitionedRNG

	lastDecision capacity.Decision
	lastSummary  DemandSummary
}

// NewEngine validates cfg and assembles the engine. Range invariants are
// checked here even when the config layer already ran, so a bad caller
// cannot corrupt the model silently.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if len(cfg.Catalog) == 0 {
		return nil, fmt.Errorf("%w: catalog must not be empty", config.ErrInvalid)
	}
	for _, g := range cfg.Catalog {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	if err := cfg.SLO.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Baseline.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Workloads) == 0 {
		return nil, fmt.Errorf("%w: at least one workload required", config.ErrInvalid)
	}
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("%w: at least one GPU instance required", config.ErrInvalid)
	}
	if cfg.TickMs <= 0 {
		return nil, fmt.Errorf("%w: TickMs must be > 0, got %d", config.ErrInvalid, cfg.TickMs)
	}
	if cfg.TokensPerRequest <= 0 {
		return nil, fmt.Errorf("%w: TokensPerRequest must be > 0, got %d", config.ErrInvalid, cfg.TokensPerRequest)
	}
	if cfg.PerGPUTokensPerSecond <= 0 {
		return nil, fmt.Errorf("%w: PerGPUTokensPerSecond must be > 0, got %d", config.ErrInvalid, cfg.PerGPUTokensPerSecond)
	}
	if cfg.ThroughputWindowMs <= 0 {
		return nil, fmt.Errorf("%w: ThroughputWindowMs must be > 0, got %d", config.ErrInvalid, cfg.ThroughputWindowMs)
	}
	for _, w := range cfg.Workloads {
		if w.Weight <= 0 {
			return nil, fmt.Errorf("%w: workload %q weight must be > 0, got %g", config.ErrInvalid, w.Name, w.Weight)
		}
		if w.Priority < alloc.MinPriority || w.Priority > alloc.MaxPriority {
			return nil, fmt.Errorf("%w: workload %q priority must be in [%d,%d], got %d",
				config.ErrInvalid, w.Name, alloc.MinPriority, alloc.MaxPriority, w.Priority)
		}
		if _, err := cfg.Catalog.Lookup(w.GPUType); err != nil {
			return nil, err
		}
	}

	instances := make([]*alloc.GPUInstance, len(cfg.Instances))
	for i, spec := range cfg.Instances {
		g, err := cfg.Catalog.Lookup(spec.GPUType)
		if err != nil {
			return nil, err
		}
		instances[i] = alloc.NewGPUInstance(spec.ID, g)
	}
	pool := alloc.NewPool(instances)

	e := &Engine{
		cfg:          cfg,
		ledger:       ledger.New(),
		costModel:    cost.NewModel(cfg.Catalog),
		controller:   capacity.NewController(cfg.Thresholds),
		pool:         pool,
		rng:          NewPartitionedRNG(NewSimulationKey(cfg.Seed)),
		lastDecision: capacity.Hold,
	}
	e.allocator = alloc.NewAllocator(pool, cfg.Alloc, e)
	e.generator = NewGenerator(cfg.Baseline, cfg.Workloads, cfg.Spike,
		cfg.TokensPerRequest, e.rng.ForSubsystem(SubsystemWorkload))
	return e, nil
}

// RecentThroughput implements alloc.ThroughputReader over the ledger's
// trailing window at the engine's current clock.
func (e *Engine) RecentThroughput(workload string) float64 {
	return e.ledger.Throughput(workload, e.nowMs(), e.cfg.ThroughputWindowMs)
}

func (e *Engine) nowMs() int64 { return e.clock * e.cfg.TickMs }

// Clock returns the current tick.
func (e *Engine) Clock() int64 { return e.clock }

// Ledger exposes the metrics ledger (read-only use expected).
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Pool exposes the GPU pool.
func (e *Engine) Pool() *alloc.Pool { return e.pool }

// Allocator exposes the fraction allocator for manual submissions.
func (e *Engine) Allocator() *alloc.Allocator { return e.allocator }

// LastDecision returns the scaling decision emitted by the most recent tick.
func (e *Engine) LastDecision() capacity.Decision { return e.lastDecision }

// SubmitAllocation enqueues a fraction request at the current tick.
func (e *Engine) SubmitAllocation(workload string, size alloc.Size, priority int) *alloc.AllocationRequest {
	return e.allocator.Submit(workload, size, priority, e.clock)
}

// Tick advances the simulation by one step: workload activity into the
// ledger, telemetry refresh, controller decision, allocator apply. Returns
// capacity.ErrEmptyPool when there is nothing to control, and
// ErrModelInconsistent when a post-mutation invariant violation forced a
// rollback to the pre-tick checkpoint.
func (e *Engine) Tick() (err error) {
	now := e.clock
	cp := e.allocator.Checkpoint()
	defer func() {
		if r := recover(); r != nil {
			detail, ok := alloc.IsInvariantViolation(r)
			if !ok {
				panic(r)
			}
			e.allocator.Restore(cp)
			logrus.Errorf("[tick %07d] %s; tick aborted, state rolled back", now, detail)
			err = fmt.Errorf("%w: %s", ErrModelInconsistent, detail)
		}
	}()

	// 1. Workload activity updates the ledger.
	summary := e.generator.Advance(now, e.nowMs(), e.cfg.TickMs, e.capacityByWorkload(), e.ledger)
	e.lastSummary = summary

	// 2. Telemetry: the utilization signal the controller samples. Serving
	// is modeled as load-balanced across allocated fractions, so every
	// instance reports the pool-level demand/capacity ratio plus noise.
	e.pool.UpdateTelemetry(e.telemetryReadings(summary))

	// 3. Controller emits a recommendation.
	decision, err := e.controller.Tick(e.pool, now)
	if err != nil {
		return err
	}

	// 4. Autopilot turns ScaleUp into a concrete allocation request for the
	// most backlogged workload, one request per workload at a time.
	if e.cfg.Autopilot && decision == capacity.ScaleUp {
		if spec, ok := e.generator.MostBacklogged(); ok && e.allocator.PendingRequests() == 0 {
			size := spec.FractionSize
			if !size.Valid() {
				size = alloc.Half
			}
			req := e.allocator.Submit(spec.Name, size, spec.Priority, now)
			logrus.Infof("[tick %07d] autopilot: scale-up request %s", now, req)
		}
	}

	// 5. Allocator completes timed transitions, then applies the decision.
	e.allocator.Advance(now)
	e.allocator.Apply(decision, now)

	e.lastDecision = decision
	e.clock++
	return nil
}

// Run executes n ticks, stopping at the first error.
func (e *Engine) Run(n int64) error {
	for i := int64(0); i < n; i++ {
		if err := e.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// capacityByWorkload sums each workload's Active fraction capacity across
// the pool, in tokens/sec. Provisioning fractions provide nothing yet:
// that partial-readiness gap is what the warm-up latency models.
func (e *Engine) capacityByWorkload() map[string]float64 {
	out := make(map[string]float64, len(e.cfg.Workloads))
	for _, inst := range e.pool.Instances() {
		for _, f := range inst.Fractions() {
			if f.State != alloc.Active {
				continue
			}
			out[f.Workload] += f.Size.Value() * float64(e.cfg.PerGPUTokensPerSecond)
		}
	}
	return out
}

// telemetryReadings derives per-instance utilization, temperature, and power
// for this tick. Utilization is demand pressure over allocated capacity:
// a cold pool under demand reads saturated (nothing can serve), an
// over-provisioned pool reads idle.
func (e *Engine) telemetryReadings(summary DemandSummary) map[string]alloc.Telemetry {
	var allocatedTPS float64
	for _, tps := range e.capacityByWorkload() {
		allocatedTPS += tps
	}

	var utilization float64
	switch {
	case allocatedTPS > 0:
		utilization = clampPct(summary.TotalDemandTPS / allocatedTPS * 100.0)
	case summary.TotalDemandTPS > 0:
		utilization = 95.0 // demand with no capacity: saturated signal
	default:
		utilization = 0.0
	}

	rng := e.rng.ForSubsystem(SubsystemTelemetry)
	readings := make(map[string]alloc.Telemetry, e.pool.Size())
	for _, inst := range e.pool.Instances() {
		u := clampPct(utilization + (rng.Float64()-0.5)*6.0)
		readings[inst.ID()] = alloc.Telemetry{
			Utilization: u,
			// Cosmetic but bounded: temperature and power track utilization.
			Temperature: 35.0 + u*0.5 + (rng.Float64()-0.5)*4.0,
			PowerWatts:  80.0 + u*6.0 + (rng.Float64()-0.5)*20.0,
		}
	}
	return readings
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// windowDuration converts the throughput window to a time.Duration for cost
// queries.
func (e *Engine) windowDuration() time.Duration {
	return time.Duration(e.cfg.ThroughputWindowMs) * time.Millisecond
}
