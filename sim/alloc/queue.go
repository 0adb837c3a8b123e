package alloc

import (
	"container/heap"
	"fmt"
)

// AllocationRequest is a pending ask for a fraction size on behalf of a
// workload. Immutable after creation; resubmission replaces it with a new
// request. The embedded fraction is the one that will transition
// Pending -> Provisioning on placement.
type AllocationRequest struct {
	ID          string
	Workload    string
	Size        Size
	Priority    int
	SubmittedAt int64

	fraction *GPUFraction
	seq      int64 // FIFO tie-break within a priority tier
}

// Fraction returns the fraction this request created. Callers observe its
// lifecycle through it; the allocator remains the only writer.
func (r *AllocationRequest) Fraction() *GPUFraction { return r.fraction }

func (r *AllocationRequest) String() string {
	return fmt.Sprintf("AllocationRequest(ID: %s, Workload: %s, Size: %s, Priority: %d, SubmittedAt: %d)",
		r.ID, r.Workload, r.Size, r.Priority, r.SubmittedAt)
}

// requestQueue implements heap.Interface ordered by priority (highest first),
// then submission time, then sequence number: strict FIFO within a priority
// tier, never randomized, so replays are deterministic.
type requestQueue []*AllocationRequest

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if q[i].SubmittedAt != q[j].SubmittedAt {
		return q[i].SubmittedAt < q[j].SubmittedAt
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) {
	*q = append(*q, x.(*AllocationRequest))
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// peek returns the highest-priority request without removing it.
// Caller must check Len() > 0 first.
func (q requestQueue) peek() *AllocationRequest { return q[0] }

var _ heap.Interface = (*requestQueue)(nil)
