// Package config holds the immutable configuration surface consumed by the
// capacity engine: the GPU type catalog, SLO targets, and the workload
// baseline. Every validation violation fails with an error wrapping
// ErrInvalid.
package config

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalid reports a catalog, SLO, or workload value outside its allowed
// range. All validation failures in this package wrap it.
var ErrInvalid = errors.New("invalid config")

// GPUType is one catalog entry. Immutable after load; looked up by name.
type GPUType struct {
	Name       string  `yaml:"name"`
	MemoryGB   int     `yaml:"memory_gb"`   // must be > 0
	HourlyCost float64 `yaml:"hourly_cost"` // USD per hour, must be >= 0
}

// Validate checks range invariants on a single catalog entry.
func (g GPUType) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: GPU type name must not be empty", ErrInvalid)
	}
	if g.MemoryGB <= 0 {
		return fmt.Errorf("%w: GPU type %q memory_gb must be > 0, got %d", ErrInvalid, g.Name, g.MemoryGB)
	}
	if g.HourlyCost < 0 {
		return fmt.Errorf("%w: GPU type %q hourly_cost must be >= 0, got %g", ErrInvalid, g.Name, g.HourlyCost)
	}
	return nil
}

// Catalog maps GPU type name to its entry.
type Catalog map[string]GPUType

// NewCatalog builds a validated Catalog from entries.
// Duplicate names fail with ErrInvalid.
func NewCatalog(entries []GPUType) (Catalog, error) {
	c := make(Catalog, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate GPU type %q", ErrInvalid, e.Name)
		}
		c[e.Name] = e
	}
	return c, nil
}

// Lookup returns the entry for name, failing with ErrInvalid for unknown types
// so callers surface catalog mismatches instead of pricing against zeros.
func (c Catalog) Lookup(name string) (GPUType, error) {
	g, ok := c[name]
	if !ok {
		return GPUType{}, fmt.Errorf("%w: unknown GPU type %q", ErrInvalid, name)
	}
	return g, nil
}

// Names returns catalog type names in sorted order for deterministic iteration.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SLOTargets are the convergence targets the engine reports compliance against.
type SLOTargets struct {
	TTFTP95Ms        int     `yaml:"ttft_p95_ms"`        // must be > 0
	ErrorRatePercent float64 `yaml:"error_rate_percent"` // must be in [0,100]
	TokensPerSecond  int     `yaml:"tokens_per_second"`  // must be > 0
}

// Validate checks range invariants on SLO targets.
func (s SLOTargets) Validate() error {
	if s.TTFTP95Ms <= 0 {
		return fmt.Errorf("%w: ttft_p95_ms must be > 0, got %d", ErrInvalid, s.TTFTP95Ms)
	}
	if s.ErrorRatePercent < 0 || s.ErrorRatePercent > 100 {
		return fmt.Errorf("%w: error_rate_percent must be in [0,100], got %g", ErrInvalid, s.ErrorRatePercent)
	}
	if s.TokensPerSecond <= 0 {
		return fmt.Errorf("%w: tokens_per_second must be > 0, got %d", ErrInvalid, s.TokensPerSecond)
	}
	return nil
}

// WorkloadBaseline describes the synthetic demand profile.
type WorkloadBaseline struct {
	BaselineQPS     int     `yaml:"baseline_qps"`     // must be > 0
	SpikeMultiplier float64 `yaml:"spike_multiplier"` // must be >= 1.0
}

// Validate checks range invariants on the workload baseline.
func (w WorkloadBaseline) Validate() error {
	if w.BaselineQPS <= 0 {
		return fmt.Errorf("%w: baseline_qps must be > 0, got %d", ErrInvalid, w.BaselineQPS)
	}
	if w.SpikeMultiplier < 1.0 {
		return fmt.Errorf("%w: spike_multiplier must be >= 1.0, got %g", ErrInvalid, w.SpikeMultiplier)
	}
	return nil
}
