package ibt

import "sync/atomic"

// Observer tracks one thread's "last IBT generation observed" for one
// Table (spec.md §4.3: "Each thread carries an 'I have observed the
// shared IBT table' pointer. On every return from generated code it
// compares against the current pointer and, if different, acquires the
// new pointer and decrements the ref-count of the table it previously
// used."). A thread carries one Observer per IBT table it reads.
type Observer struct {
	seen atomic.Uint64
	init atomic.Bool
}

// NewObserver returns an Observer with no generation recorded yet;
// the first Catchup call against a table initializes it without
// decrementing anything (there is no "previous" generation).
func NewObserver() *Observer { return &Observer{} }

// Catchup is called on every cache-to-translator transition (spec.md
// §5 "Suspension points": enter_couldbelinking/enter_nolinking). If the
// table has resized since this thread last looked, the thread's
// previously-observed generation's dead-list refcount is decremented
// and the observer advances to the current generation.
func (t *Table) Catchup(obs *Observer) {
	cur := t.newestGeneration()
	if !obs.init.Load() {
		obs.seen.Store(cur)
		obs.init.Store(true)
		return
	}
	prev := obs.seen.Load()
	if prev == cur {
		return
	}
	t.dead.decrementGeneration(prev)
	obs.seen.Store(cur)
}
