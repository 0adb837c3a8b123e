package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sim "github.com/capacity-sim/capacity-sim/sim"
	"github.com/capacity-sim/capacity-sim/sim/alloc"
	"github.com/capacity-sim/capacity-sim/sim/config"
	"github.com/capacity-sim/capacity-sim/sim/telemetry"
)

var (
	// CLI flags for simulation configs
	seed        int64  // Seed for random demand generation
	horizon     int64  // Total simulation time (in ticks)
	logLevel    string // Log verbosity level
	configPath  string // Path to YAML config (GPU catalog, SLO targets, workload baseline)
	tickMs      int64  // Simulated milliseconds per tick
	resultsPath string // File to save final snapshot to

	// cluster config
	numInstances int    // Number of GPU instances in the pool
	gpuType      string // GPU type for all instances

	// workload config
	spikeStart int64 // First tick of the demand spike (-1 = no spike)
	spikeEnd   int64 // Tick after the last spike tick

	// telemetry config
	metricsAddr     string // Listen address for /metrics ("" = disabled)
	refreshInterval int64  // Ticks between snapshot refreshes
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "capacity-sim",
	Short: "Closed-loop capacity simulator for fractional GPU pools",
}

// defaultWorkloads is the built-in demand mix used when flags do not override
// it: an interactive tier, a batch tier, and a best-effort tier.
func defaultWorkloads() []sim.WorkloadSpec {
	return []sim.WorkloadSpec{
		{Name: "chat-interactive", Weight: 0.5, Priority: 8, GPUType: gpuType, FractionSize: alloc.Half},
		{Name: "batch-embedding", Weight: 0.3, Priority: 4, GPUType: gpuType, FractionSize: alloc.Quarter},
		{Name: "background-eval", Weight: 0.2, Priority: 1, GPUType: gpuType, FractionSize: alloc.Eighth},
	}
}

// defaultCatalog mirrors configs/example.yaml so the binary runs out of the
// box without --config.
func defaultCatalog() (config.Catalog, config.SLOTargets, config.WorkloadBaseline) {
	catalog, err := config.NewCatalog([]config.GPUType{
		{Name: "H100", MemoryGB: 80, HourlyCost: 4.10},
		{Name: "A100", MemoryGB: 40, HourlyCost: 2.21},
	})
	if err != nil {
		logrus.Fatalf("Invalid built-in catalog: %v", err)
	}
	slo := config.SLOTargets{TTFTP95Ms: 500, ErrorRatePercent: 1.0, TokensPerSecond: 1000}
	baseline := config.WorkloadBaseline{BaselineQPS: 5, SpikeMultiplier: 3.0}
	return catalog, slo, baseline
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capacity simulation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(viper.GetString("log"))
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", viper.GetString("log"))
		}
		logrus.SetLevel(level)

		if numInstances < 1 {
			logrus.Fatalf("num-instances must be >= 1")
		}
		if horizon < 1 {
			logrus.Fatalf("--horizon must be >= 1")
		}
		if refreshInterval < 1 {
			logrus.Fatalf("--refresh-interval must be >= 1")
		}

		var (
			catalog  config.Catalog
			slo      config.SLOTargets
			baseline config.WorkloadBaseline
		)
		if configPath != "" {
			catalog, slo, baseline, err = config.Load(configPath)
			if err != nil {
				logrus.Fatalf("Failed to load config: %v", err)
			}
		} else {
			logrus.Warnf("No --config provided, using built-in catalog and SLO targets")
			catalog, slo, baseline = defaultCatalog()
		}
		if _, err := catalog.Lookup(gpuType); err != nil {
			logrus.Fatalf("Unknown GPU type %q. Valid: %s", gpuType, strings.Join(catalog.Names(), ", "))
		}

		instances := make([]sim.InstanceSpec, numInstances)
		for i := range instances {
			instances[i] = sim.InstanceSpec{ID: fmt.Sprintf("gpu-%03d", i), GPUType: gpuType}
		}

		cfg := sim.DefaultEngineConfig()
		cfg.Catalog = catalog
		cfg.SLO = slo
		cfg.Baseline = baseline
		cfg.Workloads = defaultWorkloads()
		cfg.Instances = instances
		if seed < 0 {
			// Negative seed means "surprise me": reseed from the wall clock.
			seed = time.Now().UnixNano()
		}
		cfg.Seed = seed
		cfg.TickMs = tickMs
		if spikeStart >= 0 && spikeEnd > spikeStart {
			cfg.Spike = sim.SpikeWindow{StartTick: spikeStart, EndTick: spikeEnd}
		}

		engine, err := sim.NewEngine(cfg)
		if err != nil {
			logrus.Fatalf("Failed to build engine: %v", err)
		}

		// Optional Prometheus endpoint, fed from snapshots between ticks.
		var publisher *telemetry.Publisher
		if metricsAddr != "" {
			registry := prometheus.NewRegistry()
			publisher, err = telemetry.NewPublisher(registry)
			if err != nil {
				logrus.Fatalf("Failed to register metrics: %v", err)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			go func() {
				logrus.Infof("Serving metrics on %s/metrics", metricsAddr)
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					logrus.Errorf("Metrics server stopped: %v", err)
				}
			}()
		}

		logrus.Infof("Starting simulation with %d instances of %s, horizon=%d ticks, seed=%d",
			numInstances, gpuType, horizon, seed)
		startTime := time.Now()

		var inconsistentTicks int64
		for tick := int64(0); tick < horizon; tick++ {
			if err := engine.Tick(); err != nil {
				// Inconsistent ticks roll back to the pre-tick state and the
				// simulation continues on the restored model.
				logrus.Errorf("[tick %07d] %v", tick, err)
				inconsistentTicks++
				continue
			}
			if publisher != nil && (tick+1)%refreshInterval == 0 {
				publisher.Update(engine.Snapshot())
			}
		}

		final := engine.Snapshot()
		printSummary(final, startTime, inconsistentTicks)
		if resultsPath != "" {
			if err := saveResults(final, resultsPath); err != nil {
				logrus.Fatalf("Failed to save results: %v", err)
			}
			logrus.Infof("Results saved to %s", resultsPath)
		}
		logrus.Info("Simulation complete.")
	},
}

// printSummary prints the final snapshot to stdout.
func printSummary(snap sim.Snapshot, startTime time.Time, inconsistentTicks int64) {
	fmt.Printf("\n=== Capacity Simulation Results ===\n")
	fmt.Printf("Ticks: %d (wall clock %v)\n", snap.Tick, time.Since(startTime).Round(time.Millisecond))
	fmt.Printf("Pool state: %s (decision=%s, heartbeat=%.1f BPM)\n",
		snap.Pool.State, snap.Pool.Decision, snap.Pool.HeartbeatBPM)
	fmt.Printf("Aggregate utilization: %.1f%%\n", snap.Pool.AggregateUtilization)
	fmt.Printf("Free budget: %.3f GPUs, fragmentation count: %d, pending requests: %d\n",
		snap.Pool.FreeBudget, snap.Pool.FragmentationCount, snap.Pool.PendingRequests)
	if inconsistentTicks > 0 {
		fmt.Printf("Inconsistent ticks rolled back: %d\n", inconsistentTicks)
	}
	for _, w := range snap.Workloads {
		status := "OK"
		if !w.SLOCompliant {
			status = "VIOLATED"
		}
		fmt.Printf("  %-20s tps=%8.1f  ttft_p95=%7.1fms  queue=%4d  $/Mtok=%.4f  slo=%s\n",
			w.Name, w.TPS, w.TTFTP95Ms, w.QueueDepth, w.CostPerMTok, status)
	}
}

// saveResults writes the final snapshot as indented JSON.
func saveResults(snap sim.Snapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for random demand generation (negative for wall-clock seed)")
	runCmd.Flags().Int64Var(&horizon, "horizon", 300, "Total simulation horizon (in ticks)")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (GPU catalog, SLO targets, workload baseline)")
	runCmd.Flags().Int64Var(&tickMs, "tick-ms", 1000, "Simulated milliseconds per tick")

	// Pool config
	runCmd.Flags().IntVar(&numInstances, "num-instances", 3, "Number of GPU instances in the pool")
	runCmd.Flags().StringVar(&gpuType, "gpu", "H100", "GPU type for pool instances")

	// Demand spike window
	runCmd.Flags().Int64Var(&spikeStart, "spike-start", -1, "First tick of the demand spike (-1 = no spike)")
	runCmd.Flags().Int64Var(&spikeEnd, "spike-end", -1, "Tick after the last spike tick")

	// Telemetry
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus /metrics (empty = disabled)")
	runCmd.Flags().Int64Var(&refreshInterval, "refresh-interval", 1, "Ticks between metric refreshes")

	// Results path
	runCmd.Flags().StringVar(&resultsPath, "results-path", "", "File to save final snapshot JSON to")

	// Environment overrides: CAPSIM_LOG, CAPSIM_SEED, ...
	viper.SetEnvPrefix("capsim")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(runCmd.Flags()); err != nil {
		logrus.Fatalf("Failed to bind flags: %v", err)
	}

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
