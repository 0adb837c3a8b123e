package sim

import (
	"errors"
	"time"

	"github.com/capacity-sim/capacity-sim/sim/alloc"
	"github.com/capacity-sim/capacity-sim/sim/capacity"
	"github.com/capacity-sim/capacity-sim/sim/ledger"
)

// WorkloadSnapshot is the per-workload read-only view exposed to the
// CLI/dashboard layer once per refresh.
type WorkloadSnapshot struct {
	Name         string  `json:"name"`
	TPS          float64 `json:"tokens_per_second"`
	TTFTP95Ms    float64 `json:"ttft_p95_ms"` // percentile plus queue-impact penalty
	QueueDepth   int     `json:"queue_depth"`
	CostPerMTok  float64 `json:"cost_per_million_tokens"` // 0 when undefined (no tokens)
	CostPerHour  float64 `json:"cost_per_hour"`           // fallback rate when idle
	SLOCompliant bool    `json:"slo_compliant"`
}

// InstanceSnapshot is one GPU's aggregate view.
type InstanceSnapshot struct {
	ID            string  `json:"id"`
	GPUType       string  `json:"gpu_type"`
	Utilization   float64 `json:"utilization_percent"`
	Temperature   float64 `json:"temperature_c"`
	PowerWatts    float64 `json:"power_watts"`
	FreeBudget    float64 `json:"free_budget"`
	Fragmentation int     `json:"fragmentation"`
}

// PoolSnapshot is the pool-level aggregate view.
type PoolSnapshot struct {
	AggregateUtilization float64            `json:"aggregate_utilization_percent"`
	HeartbeatBPM         float64            `json:"heartbeat_bpm"`
	State                capacity.State     `json:"state"`
	Decision             capacity.Decision  `json:"decision"`
	FreeBudget           float64            `json:"free_budget"`
	FragmentationCount   int                `json:"fragmentation_count"`
	PendingRequests      int                `json:"pending_requests"`
	Instances            []InstanceSnapshot `json:"instances"`
}

// Snapshot is one refresh of engine state. Only small aggregates are copied;
// per-workload sample history never leaves the ledger. Events carries the
// fraction transitions since the previous snapshot (the cursor advances, so
// each snapshot sees only new events).
type Snapshot struct {
	Tick      int64              `json:"tick"`
	Workloads []WorkloadSnapshot `json:"workloads"`
	Pool      PoolSnapshot       `json:"pool"`
	Events    []alloc.Event      `json:"events,omitempty"`
}

// Snapshot builds the read-only view at the current clock. Safe to call
// between ticks from another goroutine: every read goes through the
// component's own fine-grained lock.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Tick:      e.clock,
		Workloads: make([]WorkloadSnapshot, 0, len(e.cfg.Workloads)),
	}

	capacityTPS := e.capacityByWorkload()
	totalWeight := 0.0
	for _, w := range e.cfg.Workloads {
		totalWeight += w.Weight
	}

	for _, spec := range e.cfg.Workloads {
		ws := WorkloadSnapshot{
			Name:       spec.Name,
			TPS:        e.ledger.Throughput(spec.Name, e.nowMs(), e.cfg.ThroughputWindowMs),
			QueueDepth: e.ledger.QueueDepth(spec.Name),
		}

		penalty := e.ledger.QueueImpactOnTTFT(spec.Name)
		p95, err := e.ledger.TTFTPercentile(spec.Name, 95)
		hasSamples := err == nil
		if hasSamples {
			ws.TTFTP95Ms = p95 + penalty
		} else if errors.Is(err, ledger.ErrInsufficientData) {
			// Queue pressure is still visible before any request completes.
			ws.TTFTP95Ms = penalty
		}

		ws.CostPerHour, ws.CostPerMTok = e.workloadCost(spec, capacityTPS[spec.Name], ws.TPS)
		ws.SLOCompliant = e.sloCompliant(spec, totalWeight, ws, hasSamples)
		snap.Workloads = append(snap.Workloads, ws)
	}

	pool := PoolSnapshot{
		AggregateUtilization: e.pool.AggregateUtilization(),
		HeartbeatBPM:         e.controller.LastHeartbeatBPM(),
		State:                e.controller.State(),
		Decision:             e.lastDecision,
		FreeBudget:           e.pool.FreeBudget(),
		FragmentationCount:   e.pool.FragmentationCount(),
		PendingRequests:      e.allocator.PendingRequests(),
		Instances:            make([]InstanceSnapshot, 0, e.pool.Size()),
	}
	for _, inst := range e.pool.Instances() {
		pool.Instances = append(pool.Instances, InstanceSnapshot{
			ID:            inst.ID(),
			GPUType:       inst.Type().Name,
			Utilization:   inst.Utilization(),
			Temperature:   inst.Temperature(),
			PowerWatts:    inst.PowerWatts(),
			FreeBudget:    inst.FreeBudget(),
			Fragmentation: inst.FragmentationCount(),
		})
	}
	snap.Pool = pool
	snap.Events = e.allocator.DrainEvents()
	return snap
}

// workloadCost prices the workload's GPU-time over the trailing window.
// The hourly rate is scaled by the workload's allocated share of a GPU; the
// per-million rate is undefined (reported as 0, with PerHour as fallback)
// when no tokens were generated in the window.
func (e *Engine) workloadCost(spec WorkloadSpec, capacityTPS, tps float64) (perHour, perMTok float64) {
	gpuShare := 0.0
	if e.cfg.PerGPUTokensPerSecond > 0 {
		gpuShare = capacityTPS / float64(e.cfg.PerGPUTokensPerSecond)
	}
	breakdown, err := e.costModel.TokenCost(spec.GPUType, e.windowDuration())
	if err != nil {
		return 0, 0
	}
	perHour = breakdown.PerHour * gpuShare

	windowSec := float64(e.cfg.ThroughputWindowMs) / 1000.0
	tokens := int64(tps * windowSec)
	gpuTime := time.Duration(float64(e.windowDuration()) * gpuShare)
	rate, err := e.costModel.CostPerMillionTokens(tokens, spec.GPUType, gpuTime)
	if err != nil {
		// Division undefined on an idle workload: PerHour is the answer.
		return perHour, 0
	}
	return perHour, rate
}

// sloCompliant checks the workload against the configured targets: TTFT P95
// (queue impact included) within target and throughput at or above the
// workload's weighted share. A workload with no samples and no queue is
// simply idle, which is compliant; queued-but-unserved is not.
func (e *Engine) sloCompliant(spec WorkloadSpec, totalWeight float64, ws WorkloadSnapshot, hasSamples bool) bool {
	if !hasSamples {
		return ws.QueueDepth == 0
	}
	if ws.TTFTP95Ms > float64(e.cfg.SLO.TTFTP95Ms) {
		return false
	}
	target := float64(e.cfg.SLO.TokensPerSecond) * spec.Weight / totalWeight
	return ws.TPS >= target
}
