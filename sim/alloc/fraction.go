// Package alloc grants and releases fractional GPU capacity against a fixed
// simulated pool, under priority, capacity, and fragmentation constraints.
// It is the only writer of instance fraction tables; the capacity controller
// only recommends, and this package applies.
package alloc

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrCapacityExceeded reports an admission that would push an instance's
	// committed fraction sum past 1.0. Placement is all-or-nothing: a failed
	// admission performs no partial mutation.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidTransition reports a fraction state-machine violation, e.g.
	// releasing a fraction that is not Active or Provisioning.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Size is a GPU fraction size in eighths of one instance, so capacity
// arithmetic stays exact. Only power-of-two sizes are allocatable.
type Size int

const (
	Eighth  Size = 1
	Quarter Size = 2
	Half    Size = 4
	Whole   Size = 8

	// granules is one instance's total capacity in eighths.
	granules = 8
)

// Value returns the fraction as a float in (0, 1].
func (s Size) Value() float64 { return float64(s) / granules }

func (s Size) String() string {
	switch s {
	case Eighth:
		return "1/8"
	case Quarter:
		return "1/4"
	case Half:
		return "1/2"
	case Whole:
		return "1"
	default:
		return fmt.Sprintf("%d/8", int(s))
	}
}

// Valid reports whether s is one of the allocatable sizes.
func (s Size) Valid() bool {
	return s == Eighth || s == Quarter || s == Half || s == Whole
}

// decompose splits an arbitrary eighth count into standard power-of-two
// slots, largest first. Used when a placement splits a larger free slot.
func decompose(eighths Size) []Size {
	var out []Size
	for _, unit := range []Size{Whole, Half, Quarter, Eighth} {
		for eighths >= unit {
			out = append(out, unit)
			eighths -= unit
		}
	}
	return out
}

// minSlots is the fewest standard slots that can represent an eighth count;
// any free list longer than this is carrying fragmentation.
func minSlots(eighths Size) int {
	return bits.OnesCount8(uint8(eighths))
}

// State is a fraction's lifecycle state. Transitions are one-directional:
// Pending -> Provisioning -> Active -> Deprovisioning -> Released.
// Released is terminal.
type State string

const (
	Pending        State = "pending"
	Provisioning   State = "provisioning"
	Active         State = "active"
	Deprovisioning State = "deprovisioning"
	Released       State = "released"
)

// Priority bounds: 10 is the highest.
const (
	MinPriority = 1
	MaxPriority = 10
)

// GPUFraction is one allocation unit. Owned exclusively by its instance's
// fraction table while committed; the allocator is the only writer.
type GPUFraction struct {
	ID          string
	Workload    string
	Size        Size
	Priority    int
	State       State
	AllocatedAt int64  // tick of placement (0 until placed)
	Instance    string // owning instance ID ("" until placed)

	// slots are the free-list entries this fraction occupies; returned to
	// the instance as-is on release so fragmentation dynamics are preserved.
	slots []Size
	// readyAt / releasedAt are the ticks at which Provisioning and
	// Deprovisioning complete.
	readyAt    int64
	releasedAt int64
}

func (f *GPUFraction) String() string {
	return fmt.Sprintf("GPUFraction(ID: %s, Workload: %s, Size: %s, Priority: %d, State: %s)",
		f.ID, f.Workload, f.Size, f.Priority, f.State)
}

// committed reports whether the fraction counts against the <= 1.0 invariant.
func (f *GPUFraction) committed() bool {
	return f.State == Provisioning || f.State == Active
}

// clone returns a deep copy, used for tick checkpoints.
func (f *GPUFraction) clone() *GPUFraction {
	c := *f
	c.slots = append([]Size(nil), f.slots...)
	return &c
}
