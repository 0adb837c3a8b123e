// Package capacity converts raw GPU utilization into a bounded-frequency
// heartbeat and a hysteretic scaling recommendation. The controller only
// recommends; it never mutates allocator state.
package capacity

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrEmptyPool reports a Tick over a pool with no instances. There is nothing
// to recommend scaling for; callers must not default to a decision.
var ErrEmptyPool = errors.New("empty pool")

// State is the per-pool utilization regime.
type State string

const (
	Cruising State = "cruising" // 30-85% aggregate utilization
	Strained State = "strained" // > 85%
	Idle     State = "idle"     // < 30%
)

// Decision is the scaling recommendation for one tick. Consumed immediately
// by the allocator, then discarded.
type Decision string

const (
	ScaleUp   Decision = "scale-up"
	ScaleDown Decision = "scale-down"
	Hold      Decision = "hold"
)

// PoolView is the read-only pool surface the controller samples each tick.
// Generation must increase whenever new utilization observations land, so a
// Tick with no new samples makes no debounce progress.
type PoolView interface {
	Size() int
	AggregateUtilization() float64 // percent, [0,100]
	Generation() uint64
}

// Thresholds bound the Cruising band.
type Thresholds struct {
	StrainedAbove float64 // utilization % above which the pool is Strained
	IdleBelow     float64 // utilization % below which the pool is Idle
}

// DefaultThresholds returns the standard 30/85 band.
func DefaultThresholds() Thresholds {
	return Thresholds{StrainedAbove: 85.0, IdleBelow: 30.0}
}

// Heartbeat bounds: utilization 0% maps to MinBPM, 100% to MaxBPM.
const (
	MinBPM = 40.0
	MaxBPM = 150.0
)

// HeartbeatBPM linearly maps aggregate utilization [0,100]% to a pulse
// frequency in [MinBPM, MaxBPM]. Monotonic; inputs outside [0,100] clamp.
func HeartbeatBPM(utilization float64) float64 {
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 100 {
		utilization = 100
	}
	return MinBPM + utilization/100.0*(MaxBPM-MinBPM)
}

// debounceTicks is the number of consecutive ticks past a threshold required
// before the pool changes state: a single noisy sample never triggers scaling.
const debounceTicks = 2

// Controller is the per-pool scaling state machine. Not safe for concurrent
// Ticks; the engine serializes ticks by construction.
type Controller struct {
	thresholds Thresholds

	state        State
	pending      State // candidate state observed but not yet confirmed
	pendingCount int

	lastGen     uint64
	hasObserved bool

	// Cooldown between repeated recommendations while the pool stays in a
	// scaling state, so one sustained overload does not emit an unbounded
	// burst of identical recommendations.
	cooldownTicks     int
	sinceLastAction   int
	lastHeartbeatBPM  float64
	lastDecision      Decision
	lastUtilization   float64
}

// NewController creates a Controller starting in Cruising.
// Panics if thresholds are inverted (programmer error).
func NewController(thresholds Thresholds) *Controller {
	if thresholds.IdleBelow >= thresholds.StrainedAbove {
		panic(fmt.Sprintf("capacity.NewController: IdleBelow %g must be < StrainedAbove %g",
			thresholds.IdleBelow, thresholds.StrainedAbove))
	}
	return &Controller{
		thresholds:      thresholds,
		state:           Cruising,
		cooldownTicks:   2,
		sinceLastAction: 2,
		lastDecision:    Hold,
	}
}

// State returns the pool's current regime.
func (c *Controller) State() State { return c.state }

// LastHeartbeatBPM returns the heartbeat computed on the most recent tick.
func (c *Controller) LastHeartbeatBPM() float64 { return c.lastHeartbeatBPM }

// LastDecision returns the decision emitted on the most recent tick.
func (c *Controller) LastDecision() Decision { return c.lastDecision }

// classify maps an aggregate utilization to its regime.
func (c *Controller) classify(utilization float64) State {
	switch {
	case utilization > c.thresholds.StrainedAbove:
		return Strained
	case utilization < c.thresholds.IdleBelow:
		return Idle
	default:
		return Cruising
	}
}

// Tick samples the pool's aggregate utilization, advances the debounce state
// machine, and returns a scaling decision. The heartbeat is recomputed from
// the live aggregate on every call, even when no new observation arrived, so
// visualizers always reflect current load.
//
// Ticking is idempotent with respect to observations: when the pool's
// generation is unchanged since the previous call, debounce counters do not
// move and the decision is Hold.
func (c *Controller) Tick(pool PoolView, now int64) (Decision, error) {
	if pool.Size() == 0 {
		return Hold, fmt.Errorf("%w: cannot recommend scaling for a pool with no instances", ErrEmptyPool)
	}

	agg := pool.AggregateUtilization()
	c.lastHeartbeatBPM = HeartbeatBPM(agg)
	c.lastUtilization = agg

	gen := pool.Generation()
	if c.hasObserved && gen == c.lastGen {
		// No new samples since last tick: no debounce progress.
		c.lastDecision = Hold
		return Hold, nil
	}
	c.lastGen = gen
	c.hasObserved = true
	c.sinceLastAction++

	candidate := c.classify(agg)
	if candidate == c.state {
		c.pending = ""
		c.pendingCount = 0
		c.lastDecision = c.steadyDecision()
		return c.lastDecision, nil
	}

	if candidate == c.pending {
		c.pendingCount++
	} else {
		c.pending = candidate
		c.pendingCount = 1
	}
	if c.pendingCount < debounceTicks {
		c.lastDecision = Hold
		return Hold, nil
	}

	logrus.Debugf("[tick %07d] pool state %s -> %s (utilization %.1f%%)", now, c.state, candidate, agg)
	c.state = candidate
	c.pending = ""
	c.pendingCount = 0
	c.sinceLastAction = 0
	c.lastDecision = c.transitionDecision()
	return c.lastDecision, nil
}

// transitionDecision is the recommendation emitted on the tick that completes
// a state transition. ScaleUp only from Strained, ScaleDown only from Idle.
func (c *Controller) transitionDecision() Decision {
	switch c.state {
	case Strained:
		return ScaleUp
	case Idle:
		return ScaleDown
	default:
		return Hold
	}
}

// steadyDecision is the recommendation while the pool remains in its current
// state with fresh observations. Cruising always yields Hold. A pool that
// stays Strained (or Idle) keeps recommending, but no more than once per
// cooldown window, so a sustained overload converges without a burst of
// identical recommendations.
func (c *Controller) steadyDecision() Decision {
	if c.state == Cruising {
		return Hold
	}
	if c.sinceLastAction < c.cooldownTicks {
		return Hold
	}
	c.sinceLastAction = 0
	return c.transitionDecision()
}
