package flush

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/ibt"
	"github.com/fragforge/fragcache/pstate"
)

func fastBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = time.Second
	return b
}

func smallCfgs() (fragment.Config, fragment.Config, fragment.Config, ibt.Config) {
	bb := fragment.Config{Bits: 4, MaxCapacityBits: 8, LoadFactorPercent: 75}
	tr := fragment.Config{Bits: 4, MaxCapacityBits: 8, LoadFactorPercent: 75}
	fut := fragment.Config{Bits: 4, MaxCapacityBits: 8, LoadFactorPercent: 75, Shared: true}
	ibtc := ibt.Config{Bits: 4, MaxCapacityBits: 8}
	return bb, tr, fut, ibtc
}

// Scenario 4 from spec.md §8: flush a region while exactly one thread
// has it resident in its private cache.
//
// ts is driven into could-be-linking state before the flush starts, so
// Stage 1's CouldBeLinking() branch (flush.go synchUnlinkPrivateOne)
// actually runs: a simulated "executing thread" goroutine waits for
// wait_for_unlink and then calls EnterNoLinking, the cache-exit
// checkpoint that signals finished_with_unlink and blocks on
// finished_all_unlink, exactly as spec.md §4.7 Stage 1 describes a
// thread "inside a cache" blocking in enter_couldbelinking.
func TestFlushWithOneThreadInCache(t *testing.T) {
	reg := pstate.NewRegistry()
	bbCfg, trCfg, futCfg, ibtCfg := smallCfgs()
	ts := pstate.New(1, bbCfg, trCfg, futCfg, ibtCfg)
	reg.Add(ts)

	f := &fragment.Fragment{Tag: 0x4000, Kind: addr.KindBasicBlock, Sharing: addr.Private}
	if err := ts.PrivateBB.Add(f); err != nil {
		t.Fatal(err)
	}

	sharedBB := fragment.NewTable(addr.KindBasicBlock, addr.Shared, bbCfg)
	sharedTrace := fragment.NewTable(addr.KindTrace, addr.Shared, trCfg)

	coord := New(reg, Collaborators{SharedBB: sharedBB, SharedTrace: sharedTrace})
	coord.SetBackoffFactory(fastBackoff)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ts.EnterCouldBeLinking()

	threadErr := make(chan error, 1)
	go func() {
		for !ts.WaitForUnlink() {
			select {
			case <-ctx.Done():
				threadErr <- ctx.Err()
				return
			case <-time.After(time.Millisecond):
			}
		}
		threadErr <- ts.EnterNoLinking(ctx)
	}()

	stats, err := coord.Flush(ctx, []Region{{Start: 0x4000, Size: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := <-threadErr; err != nil {
		t.Fatalf("simulated thread's EnterNoLinking: %v", err)
	}
	if stats.PrivateUnlinked != 1 {
		t.Fatalf("PrivateUnlinked = %d, want 1", stats.PrivateUnlinked)
	}
	if _, ok := ts.PrivateBB.Lookup(0x4000); ok {
		t.Fatal("fragment should be unlinked from the private table")
	}
	if ts.CouldBeLinking() {
		t.Fatal("thread should have left could-be-linking state via EnterNoLinking")
	}
}

func TestFlushUnlinksSharedAndFreesAfterBarrier(t *testing.T) {
	reg := pstate.NewRegistry()
	bbCfg, trCfg, futCfg, ibtCfg := smallCfgs()
	ts := pstate.New(2, bbCfg, trCfg, futCfg, ibtCfg)
	reg.Add(ts)

	sharedBB := fragment.NewTable(addr.KindBasicBlock, addr.Shared, bbCfg)
	sharedTrace := fragment.NewTable(addr.KindTrace, addr.Shared, trCfg)
	sf := &fragment.Fragment{Tag: 0x9000, Kind: addr.KindBasicBlock, Sharing: addr.Shared}
	if err := sharedBB.Add(sf); err != nil {
		t.Fatal(err)
	}

	coord := New(reg, Collaborators{SharedBB: sharedBB, SharedTrace: sharedTrace})
	coord.SetBackoffFactory(fastBackoff)

	// Thread is already caught up on flushtime before the flush even
	// starts, so the barrier should clear immediately.
	ts.AdvanceFlushtime(1000)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := coord.Flush(ctx, []Region{{Start: 0x9000, Size: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.SharedUnlinked != 1 {
		t.Fatalf("SharedUnlinked = %d, want 1", stats.SharedUnlinked)
	}
	if stats.FreedAtBarrier != 1 {
		t.Fatalf("FreedAtBarrier = %d, want 1", stats.FreedAtBarrier)
	}
	if _, ok := sharedBB.Lookup(0x9000); ok {
		t.Fatal("shared fragment should be gone from the table")
	}
}

func TestFlushBarrierBlocksUntilThreadCatchesUp(t *testing.T) {
	reg := pstate.NewRegistry()
	bbCfg, trCfg, futCfg, ibtCfg := smallCfgs()
	ts := pstate.New(3, bbCfg, trCfg, futCfg, ibtCfg)
	reg.Add(ts)

	sharedBB := fragment.NewTable(addr.KindBasicBlock, addr.Shared, bbCfg)
	sharedTrace := fragment.NewTable(addr.KindTrace, addr.Shared, trCfg)
	sf := &fragment.Fragment{Tag: 0xA000, Kind: addr.KindBasicBlock, Sharing: addr.Shared}
	_ = sharedBB.Add(sf)

	coord := New(reg, Collaborators{SharedBB: sharedBB, SharedTrace: sharedTrace})
	coord.SetBackoffFactory(fastBackoff)

	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		ts.AdvanceFlushtime(1)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := coord.Flush(ctx, []Region{{Start: 0xA000, Size: 1}})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	default:
		t.Fatal("flush returned before the lagging thread caught up")
	}
	if stats.FreedAtBarrier != 1 {
		t.Fatalf("FreedAtBarrier = %d, want 1", stats.FreedAtBarrier)
	}
}

func TestFlushtimeMonotonicAcrossFlushes(t *testing.T) {
	reg := pstate.NewRegistry()
	bbCfg, trCfg, futCfg, ibtCfg := smallCfgs()
	ts := pstate.New(4, bbCfg, trCfg, futCfg, ibtCfg)
	reg.Add(ts)
	ts.AdvanceFlushtime(1000)

	sharedBB := fragment.NewTable(addr.KindBasicBlock, addr.Shared, bbCfg)
	sharedTrace := fragment.NewTable(addr.KindTrace, addr.Shared, trCfg)
	coord := New(reg, Collaborators{SharedBB: sharedBB, SharedTrace: sharedTrace})
	coord.SetBackoffFactory(fastBackoff)

	ctx := context.Background()
	if _, err := coord.Flush(ctx, nil); err != nil {
		t.Fatal(err)
	}
	first := coord.Flushtime()
	if _, err := coord.Flush(ctx, nil); err != nil {
		t.Fatal(err)
	}
	second := coord.Flushtime()
	if second <= first {
		t.Fatalf("flushtime did not advance: %d -> %d", first, second)
	}
}
