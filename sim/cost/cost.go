// Package cost converts GPU-time and token counts into currency using the
// GPU type catalog. All functions are pure over the catalog; nothing here
// mutates state.
package cost

import (
	"errors"
	"fmt"
	"time"

	"github.com/capacity-sim/capacity-sim/sim/config"
)

// ErrDivisionUndefined reports a cost-per-token query with zero tokens.
// Callers should report cost-per-hour instead; the model never divides by zero.
var ErrDivisionUndefined = errors.New("division undefined")

// Breakdown is the result of a TokenCost query.
type Breakdown struct {
	Total   float64 // total cost of the GPU-time slice, in catalog currency
	PerHour float64 // hourly rate of the GPU type
}

// Model prices GPU-time against an immutable catalog.
type Model struct {
	catalog config.Catalog
}

// NewModel creates a cost model over the catalog. Panics on a nil catalog
// (programmer error; an empty catalog is caught at config load).
func NewModel(catalog config.Catalog) *Model {
	if catalog == nil {
		panic("cost.NewModel: catalog must not be nil")
	}
	return &Model{catalog: catalog}
}

// TokenCost prices a GPU-time slice: duration in hours times the type's
// hourly cost. The token count does not change the total (GPU-time is billed
// wall-clock); it only matters for the derived per-million-token rate, see
// CostPerMillionTokens.
func (m *Model) TokenCost(gpuType string, duration time.Duration) (Breakdown, error) {
	g, err := m.catalog.Lookup(gpuType)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		Total:   duration.Hours() * g.HourlyCost,
		PerHour: g.HourlyCost,
	}, nil
}

// CostPerMillionTokens derives the cost per 1e6 generated tokens from a
// GPU-time slice. Fails with ErrDivisionUndefined when tokens == 0: an idle
// slice has no per-token rate, and callers must fall back to the hourly rate.
func (m *Model) CostPerMillionTokens(tokens int64, gpuType string, duration time.Duration) (float64, error) {
	if tokens == 0 {
		return 0, fmt.Errorf("%w: no tokens generated on %s over %s, report cost-per-hour instead", ErrDivisionUndefined, gpuType, duration)
	}
	b, err := m.TokenCost(gpuType, duration)
	if err != nil {
		return 0, err
	}
	return b.Total / (float64(tokens) / 1e6), nil
}

// CompareCost returns the signed savings of running on type a instead of
// type b for the given duration (positive = a cheaper), and the percentage
// delta relative to b's cost. Percent is 0 when b's cost is 0.
func (m *Model) CompareCost(a, b string, duration time.Duration) (savings, percent float64, err error) {
	costA, err := m.TokenCost(a, duration)
	if err != nil {
		return 0, 0, err
	}
	costB, err := m.TokenCost(b, duration)
	if err != nil {
		return 0, 0, err
	}
	savings = costB.Total - costA.Total
	if costB.Total != 0 {
		percent = savings / costB.Total * 100.0
	}
	return savings, percent, nil
}
