// Package flush implements the three-stage flush coordinator protocol
// (spec.md §4.7): synch-unlink-private, unlink-shared, end-synch, plus
// the shared-deletion reference-counting barrier that gates the final
// free of shared fragments on every thread having advanced past the
// flushtime stamped on them.
package flush

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/pstate"
)

// Region is a half-open application-address range to flush (spec.md
// §4.7 "flush_fragments(start, size)").
type Region struct {
	Start addr.Tag
	Size  uint64
}

// Collaborators bundles the tables and fragment lifecycle hooks a
// Coordinator flushes through. SharedBB/SharedTrace may be nil tables
// with zero entries if a deployment keeps everything private.
type Collaborators struct {
	SharedBB    *fragment.Table
	SharedTrace *fragment.Table
	Fragment    fragment.Collaborators
}

// Coordinator runs flush operations against a thread registry. Only
// one flush runs at a time (spec.md §4.7 "the flush lock serializes
// flushers"); a second caller blocks on mu until the first finishes.
type Coordinator struct {
	mu       sync.Mutex
	registry *pstate.Registry
	col      Collaborators

	flushtime atomic.Uint32

	// newBackoff is called once per wait loop so tests can inject a
	// fast, bounded policy instead of the production exponential one.
	newBackoff func() backoff.BackOff
}

// New constructs a Coordinator over reg, flushing through col.
func New(reg *pstate.Registry, col Collaborators) *Coordinator {
	return &Coordinator{
		registry: reg,
		col:      col,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = backoff.DefaultInitialInterval
			return b
		},
	}
}

// SetBackoffFactory overrides the wait policy used for the stage-1
// per-thread quiescence wait and the stage-3 shared-deletion barrier.
// Exposed for tests; production callers should leave the default.
func (c *Coordinator) SetBackoffFactory(f func() backoff.BackOff) { c.newBackoff = f }

// Flushtime returns the coordinator's current global flushtime.
func (c *Coordinator) Flushtime() addr.FlushTime { return addr.FlushTime(c.flushtime.Load()) }

// Stats summarizes one Flush call for logging/tests.
type Stats struct {
	PrivateUnlinked int
	SharedUnlinked  int
	FreedAtBarrier  int
	Flushtime       addr.FlushTime
}

// Flush runs the full three-stage protocol over regions, synchronizing
// with every thread in the registry (spec.md §4.7 scenario: "flush
// while exactly one thread has the region in its private cache",
// spec.md §8 scenario 4).
func (c *Coordinator) Flush(ctx context.Context, regions []Region) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	threads := c.registry.Snapshot()

	privateUnlinked, err := c.synchUnlinkPrivate(ctx, threads, regions)
	if err != nil {
		return Stats{}, fmt.Errorf("flush: stage 1 (synch-unlink-private): %w", err)
	}

	sharedRemoved, ft := c.unlinkShared(regions)

	c.endSynch(threads)

	freed, err := c.waitBarrierAndFree(ctx, threads, ft, sharedRemoved)
	if err != nil {
		return Stats{}, fmt.Errorf("flush: barrier wait: %w", err)
	}

	return Stats{
		PrivateUnlinked: privateUnlinked,
		SharedUnlinked:  len(sharedRemoved),
		FreedAtBarrier:  freed,
		Flushtime:       ft,
	}, nil
}

// overlapsAny reports whether tag falls in any of regions.
func overlapsAny(tag addr.Tag, regions []Region) bool {
	for _, r := range regions {
		if addr.Overlaps(tag, 1, r.Start, r.Size) {
			return true
		}
	}
	return false
}

// synchUnlinkPrivate is Stage 1: for every thread, wait until it is
// not could-be-linking (or it signals finished_with_unlink), then
// unlink its private fragments overlapping regions under its own
// linking_lock (spec.md §4.7 "Stage 1").
func (c *Coordinator) synchUnlinkPrivate(ctx context.Context, threads []*pstate.ThreadState, regions []Region) (int, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, ts := range threads {
		ts := ts
		g.Go(func() error {
			n, err := c.synchUnlinkPrivateOne(gctx, ts, regions)
			total.Add(int64(n))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

func (c *Coordinator) synchUnlinkPrivateOne(ctx context.Context, ts *pstate.ThreadState, regions []Region) (int, error) {
	ts.SetWaitForUnlink(true)
	defer ts.SetWaitForUnlink(false)
	ts.SignalWaitingForUnlink()

	if ts.CouldBeLinking() {
		if err := c.waitFor(ctx, ts.FinishedWithUnlink()); err != nil {
			return 0, fmt.Errorf("thread %d: %w", ts.ID, err)
		}
	}

	ts.LinkingLock.Lock()
	defer ts.LinkingLock.Unlock()

	n := 0
	for _, r := range regions {
		lo, hi := r.Start, addr.Tag(uint64(r.Start)+r.Size)
		for _, f := range ts.PrivateBB.RangeRemove(lo, hi, nil) {
			fragment.Delete(c.col.Fragment, nil, f, fragment.UnlinkActions&^fragment.ActionRemoveHashtable)
			n++
		}
		for _, f := range ts.PrivateTrace.RangeRemove(lo, hi, nil) {
			fragment.Delete(c.col.Fragment, nil, f, fragment.UnlinkActions&^fragment.ActionRemoveHashtable)
			n++
		}
	}
	return n, nil
}

// waitFor blocks until ch fires or ctx is cancelled, backing off
// between polls via c.newBackoff (spec.md §5 "the flusher polls with
// bounded backoff rather than an unbounded spin").
func (c *Coordinator) waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	bo := backoff.WithContext(c.newBackoff(), ctx)
	return backoff.Retry(func() error {
		select {
		case <-ch:
			return nil
		default:
			return fmt.Errorf("not yet finished")
		}
	}, bo)
}

// unlinkShared is Stage 2: unlink every overlapping fragment from the
// shared tables, bump the global flushtime, and stamp each removed
// fragment with it (spec.md §4.7 "Stage 2", §3 "Global flushtime").
func (c *Coordinator) unlinkShared(regions []Region) ([]*fragment.Fragment, addr.FlushTime) {
	var removed []*fragment.Fragment
	for _, r := range regions {
		lo, hi := r.Start, addr.Tag(uint64(r.Start)+r.Size)
		if c.col.SharedBB != nil {
			removed = append(removed, c.col.SharedBB.RangeRemove(lo, hi, nil)...)
		}
		if c.col.SharedTrace != nil {
			removed = append(removed, c.col.SharedTrace.RangeRemove(lo, hi, nil)...)
		}
	}

	ft := addr.FlushTime(c.flushtime.Add(1))
	for _, f := range removed {
		fragment.Delete(c.col.Fragment, nil, f, fragment.UnlinkActions&^fragment.ActionRemoveHashtable)
		f.MarkPendingDeletion(ft)
	}
	return removed, ft
}

// endSynch is Stage 3: release every thread's wait_for_unlink gate so
// normal execution resumes (spec.md §4.7 "Stage 3: end_synch").
func (c *Coordinator) endSynch(threads []*pstate.ThreadState) {
	for _, ts := range threads {
		ts.SetWaitForUnlink(false)
		ts.SignalFinishedAllUnlink()
	}
}

// waitBarrierAndFree blocks until every thread's flushtime_last_update
// has advanced to at least ft (spec.md §3 "a fragment stamped with
// flushtime t may only be freed once every thread's
// flushtime_last_update >= t"), then frees every shared fragment
// removed in this flush. A roaring.Bitmap tracks which thread ids
// (assumed small/dense relative to their numeric value, as OS thread
// ids typically are) are still pending, so the barrier wait's
// per-round cost shrinks as threads catch up rather than re-scanning
// the full thread list every round. When no shared fragment was removed
// there is nothing to free and it returns at once without waiting.
func (c *Coordinator) waitBarrierAndFree(ctx context.Context, threads []*pstate.ThreadState, ft addr.FlushTime, removed []*fragment.Fragment) (int, error) {
	if len(removed) == 0 {
		return 0, nil
	}
	pending := roaring.New()
	byID := make(map[uint32]*pstate.ThreadState, len(threads))
	for _, ts := range threads {
		id := uint32(ts.ID)
		pending.Add(id)
		byID[id] = ts
	}

	bo := backoff.WithContext(c.newBackoff(), ctx)
	err := backoff.Retry(func() error {
		it := pending.Iterator()
		var caughtUp []uint32
		for it.HasNext() {
			id := it.Next()
			if byID[id].FlushtimeLastUpdate() >= ft || byID[id].AboutToExit() {
				caughtUp = append(caughtUp, id)
			}
		}
		for _, id := range caughtUp {
			pending.Remove(id)
		}
		if pending.IsEmpty() {
			return nil
		}
		return fmt.Errorf("%d threads still behind flushtime %d", pending.GetCardinality(), ft)
	}, bo)
	if err != nil {
		return 0, err
	}

	for _, f := range removed {
		fragment.Delete(c.col.Fragment, nil, f, fragment.FreeActions)
	}
	return len(removed), nil
}
