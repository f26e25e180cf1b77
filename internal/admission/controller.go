// Package admission implements the AdmissionController: a
// weighted semaphore over a host memory budget, built on
// golang.org/x/sync/semaphore the way a size-based admission gate is
// built elsewhere in the example pack (gaikwadabhishek-aistore uses the
// same primitive to bound a cache's resident byte count).
package admission

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Controller bounds total outstanding memory estimate across every
// running worker on a node to a fixed budget.
type Controller struct {
	sem    *semaphore.Weighted
	budget int64
}

// NewController returns a Controller with budgetBytes total permits.
func NewController(budgetBytes int64) *Controller {
	return &Controller{sem: semaphore.NewWeighted(budgetBytes), budget: budgetBytes}
}

// Budget returns the total configured permit count.
func (c *Controller) Budget() int64 { return c.budget }

// EstimateMemory computes memory_estimate = coefficient*(linearMemory +
// 2*codeSize), rounded to the nearest byte.
func EstimateMemory(coefficient float64, linearMemory, codeSize uint64) int64 {
	estimate := coefficient * (float64(linearMemory) + 2*float64(codeSize))
	if estimate < 0 {
		estimate = 0
	}
	return int64(estimate + 0.5)
}

// Permit is an OwnedPermit: n units reserved from the controller's
// budget, released exactly once.
type Permit struct {
	ctrl *Controller
	n    int64
}

// Acquire blocks until n permits are free or ctx is canceled. n larger
// than the controller's total budget can never succeed and returns an
// error immediately rather than blocking forever.
func (c *Controller) Acquire(ctx context.Context, n int64) (*Permit, error) {
	if n > c.budget {
		return nil, fmt.Errorf("admission: requested %d permits exceeds total budget %d", n, c.budget)
	}
	if err := c.sem.Acquire(ctx, n); err != nil {
		return nil, fmt.Errorf("admission: acquire %d permits: %w", n, err)
	}
	return &Permit{ctrl: c, n: n}, nil
}

// Release returns the permit's units to the controller. Safe to call
// exactly once; a second call would double-release and is a caller bug,
// not guarded against here (mirrors sync.semaphore.Weighted.Release,
// which panics on over-release).
func (p *Permit) Release() {
	p.ctrl.sem.Release(p.n)
}

// Size returns how many units this permit holds.
func (p *Permit) Size() int64 { return p.n }

// Merge combines other into p, acquiring no new permits — the two
// existing reservations are simply accounted for under one Permit value
// from now on. Used by increase_memory ("Permits from two
// acquisitions may be merged"). other must not be used after Merge.
func (p *Permit) Merge(other *Permit) {
	p.n += other.n
	other.n = 0
}
