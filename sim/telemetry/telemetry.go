// Package telemetry publishes engine snapshots as Prometheus metrics.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/capacity-sim/capacity-sim/sim"
)

// Publisher maps snapshots onto Prometheus gauges. It holds no engine state:
// each Update replaces the gauge values with the snapshot's.
type Publisher struct {
	workloadTPS    *prometheus.GaugeVec
	workloadTTFT   *prometheus.GaugeVec
	workloadQueue  *prometheus.GaugeVec
	workloadCost   *prometheus.GaugeVec
	sloCompliant   *prometheus.GaugeVec
	instanceUtil   *prometheus.GaugeVec
	instanceTemp   *prometheus.GaugeVec
	instancePower  *prometheus.GaugeVec
	instanceFree   *prometheus.GaugeVec
	poolUtil       prometheus.Gauge
	heartbeatBPM   prometheus.Gauge
	fragmentation  prometheus.Gauge
	pendingAllocs  prometheus.Gauge
	transitionsTot *prometheus.CounterVec
}

// NewPublisher builds the metric set and registers it with the given
// registry. Errors come straight from registration (duplicate collectors).
func NewPublisher(registry prometheus.Registerer) (*Publisher, error) {
	p := &Publisher{
		workloadTPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_workload_tokens_per_second",
			Help: "Trailing-window token throughput per workload",
		}, []string{"workload"}),
		workloadTTFT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_workload_ttft_p95_ms",
			Help: "P95 time-to-first-token including queue impact, milliseconds",
		}, []string{"workload"}),
		workloadQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_workload_queue_depth",
			Help: "Current queued request count per workload",
		}, []string{"workload"}),
		workloadCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_workload_cost_per_million_tokens",
			Help: "Dollar cost per million generated tokens over the trailing window",
		}, []string{"workload"}),
		sloCompliant: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_workload_slo_compliant",
			Help: "1 when the workload meets its SLO targets, 0 otherwise",
		}, []string{"workload"}),
		instanceUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_instance_utilization_percent",
			Help: "GPU utilization per instance",
		}, []string{"instance", "gpu_type"}),
		instanceTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_instance_temperature_celsius",
			Help: "GPU temperature per instance",
		}, []string{"instance", "gpu_type"}),
		instancePower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_instance_power_watts",
			Help: "GPU power draw per instance",
		}, []string{"instance", "gpu_type"}),
		instanceFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capsim_instance_free_budget",
			Help: "Unallocated GPU fraction budget per instance",
		}, []string{"instance", "gpu_type"}),
		poolUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capsim_pool_aggregate_utilization_percent",
			Help: "Mean utilization across the GPU pool",
		}),
		heartbeatBPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capsim_pool_heartbeat_bpm",
			Help: "Controller heartbeat rate derived from pool utilization",
		}),
		fragmentation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capsim_pool_fragmentation_count",
			Help: "Free-capacity slots beyond the minimal decomposition, pool-wide",
		}),
		pendingAllocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capsim_pending_allocation_requests",
			Help: "Allocation requests waiting for capacity",
		}),
		transitionsTot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsim_fraction_transitions_total",
			Help: "Fraction lifecycle transitions by target state",
		}, []string{"to"}),
	}

	collectors := []prometheus.Collector{
		p.workloadTPS, p.workloadTTFT, p.workloadQueue, p.workloadCost, p.sloCompliant,
		p.instanceUtil, p.instanceTemp, p.instancePower, p.instanceFree,
		p.poolUtil, p.heartbeatBPM, p.fragmentation, p.pendingAllocs, p.transitionsTot,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return p, nil
}

// Update writes one snapshot into the gauges.
func (p *Publisher) Update(snap sim.Snapshot) {
	for _, w := range snap.Workloads {
		labels := prometheus.Labels{"workload": w.Name}
		p.workloadTPS.With(labels).Set(w.TPS)
		p.workloadTTFT.With(labels).Set(w.TTFTP95Ms)
		p.workloadQueue.With(labels).Set(float64(w.QueueDepth))
		p.workloadCost.With(labels).Set(w.CostPerMTok)
		if w.SLOCompliant {
			p.sloCompliant.With(labels).Set(1)
		} else {
			p.sloCompliant.With(labels).Set(0)
		}
	}
	for _, inst := range snap.Pool.Instances {
		labels := prometheus.Labels{"instance": inst.ID, "gpu_type": inst.GPUType}
		p.instanceUtil.With(labels).Set(inst.Utilization)
		p.instanceTemp.With(labels).Set(inst.Temperature)
		p.instancePower.With(labels).Set(inst.PowerWatts)
		p.instanceFree.With(labels).Set(inst.FreeBudget)
	}
	p.poolUtil.Set(snap.Pool.AggregateUtilization)
	p.heartbeatBPM.Set(snap.Pool.HeartbeatBPM)
	p.fragmentation.Set(float64(snap.Pool.FragmentationCount))
	p.pendingAllocs.Set(float64(snap.Pool.PendingRequests))
	for _, ev := range snap.Events {
		p.transitionsTot.WithLabelValues(string(ev.To)).Inc()
	}
}
