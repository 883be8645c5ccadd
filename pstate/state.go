// Package pstate implements the per-thread fragment state (spec.md §3
// "Per-thread state") and the trace-build state machine design note
// (§9 "Coroutine-style control flow"). A ThreadState owns the private
// fragment/future tables and per-type IBT tables for one executing
// thread, plus the flags and wait-events the flush coordinator
// synchronizes against.
package pstate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/ibt"
)

// ThreadID identifies one executing thread. Left abstract (the
// original uses an OS thread id) so tests and embedders can use
// whatever identity they already track goroutines/threads by.
type ThreadID uint64

// ThreadState is the mutable state the flush coordinator and the
// translator's own thread carry for one thread (spec.md §3).
type ThreadState struct {
	ID ThreadID

	// Private tables, one per (kind, sharing=Private) pair.
	PrivateBB    *fragment.Table
	PrivateTrace *fragment.Table
	PrivateFuture *fragment.FutureTable

	// One IBT table per branch type per kind (spec.md §3).
	IBLTablesBB    [addr.NumBranchTypes]*ibt.Table
	IBLTablesTrace [addr.NumBranchTypes]*ibt.Table

	// Observers track this thread's last-seen generation of each
	// shared IBT table it also reads (ibt.Table.Catchup).
	sharedObservers map[*ibt.Table]*ibt.Observer
	obsMu           sync.Mutex

	mu sync.Mutex

	couldBeLinking    bool
	waitForUnlink     bool
	aboutToExit       bool
	flushQueueNonempty bool
	atSyscallAtFlush  bool

	flushtimeLastUpdate atomic.Uint32

	// LinkingLock is the per-thread lock the flush coordinator
	// acquires during Stage 1 (spec.md §4.7, §5: "each per-thread
	// linking_lock is acquired separately, never nested with another
	// thread's").
	LinkingLock sync.Mutex

	waitingForUnlink   chan struct{}
	finishedWithUnlink chan struct{}
	finishedAllUnlink  chan struct{}

	trace TraceBuildState
}

// New constructs a ThreadState with fresh private tables and events.
func New(id ThreadID, bbCfg, traceCfg, futureCfg fragment.Config, ibtCfg ibt.Config) *ThreadState {
	ts := &ThreadState{
		ID:              id,
		PrivateBB:       fragment.NewTable(addr.KindBasicBlock, addr.Private, bbCfg),
		PrivateTrace:    fragment.NewTable(addr.KindTrace, addr.Private, traceCfg),
		PrivateFuture:   fragment.NewFutureTable(futureCfg),
		sharedObservers: make(map[*ibt.Table]*ibt.Observer),
		waitingForUnlink:   make(chan struct{}, 1),
		finishedWithUnlink: make(chan struct{}, 1),
		finishedAllUnlink:  make(chan struct{}, 1),
	}
	for i := range ts.IBLTablesBB {
		ts.IBLTablesBB[i] = ibt.NewTable(ibtCfg)
		ts.IBLTablesTrace[i] = ibt.NewTable(ibtCfg)
	}
	return ts
}

// ObserverFor returns (creating if necessary) this thread's Observer
// for a shared IBT table.
func (ts *ThreadState) ObserverFor(t *ibt.Table) *ibt.Observer {
	ts.obsMu.Lock()
	defer ts.obsMu.Unlock()
	obs, ok := ts.sharedObservers[t]
	if !ok {
		obs = ibt.NewObserver()
		ts.sharedObservers[t] = obs
	}
	return obs
}

// CatchupAll is called on every cache-to-translator transition (spec.md
// §5 suspension points 1): it advances this thread's observer for
// every shared IBT table it has touched so far.
func (ts *ThreadState) CatchupAll() {
	ts.obsMu.Lock()
	defer ts.obsMu.Unlock()
	for t, obs := range ts.sharedObservers {
		t.Catchup(obs)
	}
}

// CouldBeLinking reports the thread's could-be-linking state.
func (ts *ThreadState) CouldBeLinking() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.couldBeLinking
}

// SetCouldBeLinking updates the could-be-linking flag; entered on
// enter_couldbelinking, cleared on enter_nolinking (spec.md §5).
func (ts *ThreadState) SetCouldBeLinking(v bool) {
	ts.mu.Lock()
	ts.couldBeLinking = v
	ts.mu.Unlock()
}

// EnterCouldBeLinking is cache-to-translator suspension point 1's
// entry half (spec.md §5): a thread calls this just before running
// generated code that may mutate link structures or allocate from
// non-persistent heap. It never itself blocks; a flusher that starts
// while this thread is already could-be-linking instead blocks the
// thread on its way back out, via EnterNoLinking.
func (ts *ThreadState) EnterCouldBeLinking() {
	ts.SetCouldBeLinking(true)
}

// EnterNoLinking is suspension point 1's other half: a thread calls
// this on every cache-to-translator transition, i.e. whenever it
// leaves the could-be-linking state. If a flusher has set
// wait_for_unlink on this thread (spec.md §4.7 Stage 1: "if it is
// could-be-linking, set its wait_for_unlink and wait on its
// waiting_for_unlink event; if it is inside a cache, it will block in
// enter_couldbelinking"), this call is where that block actually
// happens: it signals finished_with_unlink so the flusher's Stage-1
// wait can proceed, then blocks until the flusher's Stage-3 end_synch
// fires finished_all_unlink, or ctx is cancelled.
func (ts *ThreadState) EnterNoLinking(ctx context.Context) error {
	ts.SetCouldBeLinking(false)
	if !ts.WaitForUnlink() {
		return nil
	}
	ts.SignalFinishedWithUnlink()
	select {
	case <-ts.FinishedAllUnlink():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetWaitForUnlink/WaitForUnlink implement the flusher's per-thread
// synch signal (spec.md §4.7 Stage 1/3).
func (ts *ThreadState) SetWaitForUnlink(v bool) {
	ts.mu.Lock()
	ts.waitForUnlink = v
	ts.mu.Unlock()
}

func (ts *ThreadState) WaitForUnlink() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.waitForUnlink
}

func (ts *ThreadState) SetAboutToExit(v bool) {
	ts.mu.Lock()
	ts.aboutToExit = v
	ts.mu.Unlock()
}

func (ts *ThreadState) AboutToExit() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.aboutToExit
}

func (ts *ThreadState) SetAtSyscallAtFlush(v bool) {
	ts.mu.Lock()
	ts.atSyscallAtFlush = v
	ts.mu.Unlock()
}

func (ts *ThreadState) AtSyscallAtFlush() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.atSyscallAtFlush
}

func (ts *ThreadState) SetFlushQueueNonempty(v bool) {
	ts.mu.Lock()
	ts.flushQueueNonempty = v
	ts.mu.Unlock()
}

// FlushtimeLastUpdate / AdvanceFlushtime implement the lockless-read
// side of the shared-deletion barrier (spec.md §5 "Flushtime: read
// with 4-byte aligned atomic load without locking").
func (ts *ThreadState) FlushtimeLastUpdate() addr.FlushTime {
	return addr.FlushTime(ts.flushtimeLastUpdate.Load())
}

func (ts *ThreadState) AdvanceFlushtime(ft addr.FlushTime) {
	for {
		cur := ts.flushtimeLastUpdate.Load()
		if uint32(ft) <= cur {
			return
		}
		if ts.flushtimeLastUpdate.CompareAndSwap(cur, uint32(ft)) {
			return
		}
	}
}

// Events exposes the three per-thread condition signals spec.md §3
// names (waiting_for_unlink, finished_with_unlink, finished_all_unlink),
// modelled as buffered channels rather than condition variables —
// idiomatic Go for a single-waiter/single-signaller handshake and
// race-detector friendly.
func (ts *ThreadState) SignalWaitingForUnlink()   { nonBlockingSend(ts.waitingForUnlink) }
func (ts *ThreadState) SignalFinishedWithUnlink()  { nonBlockingSend(ts.finishedWithUnlink) }
func (ts *ThreadState) SignalFinishedAllUnlink()   { nonBlockingSend(ts.finishedAllUnlink) }

func (ts *ThreadState) WaitingForUnlink() <-chan struct{}   { return ts.waitingForUnlink }
func (ts *ThreadState) FinishedWithUnlink() <-chan struct{} { return ts.finishedWithUnlink }
func (ts *ThreadState) FinishedAllUnlink() <-chan struct{}  { return ts.finishedAllUnlink }

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
