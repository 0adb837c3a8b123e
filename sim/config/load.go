package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML shape consumed by the CLI layer:
//
//	gpu_types:
//	  - name: H100
//	    memory_gb: 80
//	    hourly_cost: 4.10
//	slo:
//	  ttft_p95_ms: 500
//	  error_rate_percent: 1.0
//	  tokens_per_second: 1000
//	workload:
//	  baseline_qps: 50
//	  spike_multiplier: 3.0
type File struct {
	GPUTypes []GPUType        `yaml:"gpu_types"`
	SLO      SLOTargets       `yaml:"slo"`
	Workload WorkloadBaseline `yaml:"workload"`
}

// Load reads and validates a YAML config file.
func Load(path string) (Catalog, SLOTargets, WorkloadBaseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, SLOTargets{}, WorkloadBaseline{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (Catalog, SLOTargets, WorkloadBaseline, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, SLOTargets{}, WorkloadBaseline{}, fmt.Errorf("%w: parsing YAML: %v", ErrInvalid, err)
	}
	catalog, err := NewCatalog(f.GPUTypes)
	if err != nil {
		return nil, SLOTargets{}, WorkloadBaseline{}, err
	}
	if len(catalog) == 0 {
		return nil, SLOTargets{}, WorkloadBaseline{}, fmt.Errorf("%w: config must declare at least one GPU type", ErrInvalid)
	}
	if err := f.SLO.Validate(); err != nil {
		return nil, SLOTargets{}, WorkloadBaseline{}, err
	}
	if err := f.Workload.Validate(); err != nil {
		return nil, SLOTargets{}, WorkloadBaseline{}, err
	}
	return catalog, f.SLO, f.Workload, nil
}
