package fragcache

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/fragforge/fragcache/coarse"
)

// GroomLimiter bounds how many grooming-class operations (secondary
// index rebuilds, cache clears) run concurrently across the whole
// process (SPEC_FULL.md §2: "semaphore.Weighted bounds concurrent
// groomers", spec.md §4.1 grooming). A coarse unit's reverse-table
// rebuild is the clearest instance of this in the module: multiple
// units can each decide independently to rebuild their pc->tag index
// under memory pressure, and without a bound every one of them could
// run at once.
type GroomLimiter struct {
	sem *semaphore.Weighted
}

// NewGroomLimiter returns a limiter allowing up to max concurrent
// grooms. max <= 0 means unbounded (no semaphore acquired).
func NewGroomLimiter(max int64) *GroomLimiter {
	if max <= 0 {
		return &GroomLimiter{}
	}
	return &GroomLimiter{sem: semaphore.NewWeighted(max)}
}

// RebuildCoarseReverse rebuilds u's reverse pc->tag index, serialized
// against the Context's other concurrent grooms when a bound is
// configured.
func (g *GroomLimiter) RebuildCoarseReverse(ctx context.Context, u *coarse.Unit) error {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer g.sem.Release(1)
	}
	u.BuildReverse()
	return nil
}
