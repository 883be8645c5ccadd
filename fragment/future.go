package fragment

import (
	"strconv"

	"github.com/fragforge/fragcache/addr"
	"golang.org/x/sync/singleflight"
)

// FutureTable is the future-fragment table (spec.md §4.4): same shape
// as a fragment table, but every entry holds only (tag, flags,
// incoming_list) — modelled here as a *Fragment with FlagFuture set
// and StartPC left at its zero value, so the rest of the module can
// keep treating it as an ordinary *Fragment until it is promoted.
type FutureTable struct {
	tbl   *Table
	group singleflight.Group
}

// NewFutureTable allocates the backing table for KindFuture entries.
func NewFutureTable(cfg Config) *FutureTable {
	return &FutureTable{tbl: NewTable(addr.KindFuture, addr.Shared, cfg)}
}

// AddFuture registers a placeholder for tag, or returns the existing
// placeholder if one is already present. Concurrent callers racing to
// create the same future are coalesced through a singleflight.Group
// (spec.md §4.4 doesn't specify this race explicitly, but §4.3's "Add
// must re-check under the write lock" rationale for IBT tables applies
// identically here: two generator threads can independently decide a
// target needs a future entry).
func (ft *FutureTable) AddFuture(tag addr.Tag) (*Fragment, error) {
	v, err, _ := ft.group.Do(strconv.FormatUint(uint64(tag), 10), func() (any, error) {
		if f, ok := ft.tbl.Lookup(tag); ok {
			return f, nil
		}
		f := &Fragment{Tag: tag, Kind: addr.KindFuture, Flags: FlagFuture}
		if err := ft.tbl.Add(f); err != nil {
			// Lost a race with a concurrent non-singleflight caller
			// (e.g. future table shared across callers not using this
			// FutureTable handle): fall back to whatever won.
			if existing, ok := ft.tbl.Lookup(tag); ok {
				return existing, nil
			}
			return nil, err
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Fragment), nil
}

// Lookup returns the future entry for tag, if any.
func (ft *FutureTable) Lookup(tag addr.Tag) (*Fragment, bool) {
	return ft.tbl.Lookup(tag)
}

// Promote converts a future placeholder into a real fragment: it
// transfers the future's incoming list onto real, copies the
// restricted PromotableFromFuture flag subset, and removes the future
// entry (spec.md §4.4: "Converting a future to a real fragment
// transfers the incoming_list and copies a restricted subset of flags
// (IS_TRACE_HEAD only); the future is then removed and freed").
func (ft *FutureTable) Promote(real *Fragment) bool {
	future, ok := ft.tbl.Lookup(real.Tag)
	if !ok {
		return false
	}

	future.Lock()
	transferred := future.Incoming
	future.Incoming = nil
	promotedFlags := future.Flags & PromotableFromFuture
	future.Unlock()

	real.Lock()
	real.Incoming = append(real.Incoming, transferred...)
	real.Flags |= promotedFlags
	real.Unlock()

	ft.tbl.Remove(real.Tag)
	return true
}

// RemoveIfOrphaned drops a future entry once its last incoming link
// disappears (spec.md §3 "they are freed when their last incoming link
// disappears"). Callers invoke this after removing an incoming ref
// from a future's list.
func (ft *FutureTable) RemoveIfOrphaned(tag addr.Tag) {
	f, ok := ft.tbl.Lookup(tag)
	if !ok {
		return
	}
	f.Lock()
	empty := len(f.Incoming) == 0
	f.Unlock()
	if empty {
		ft.tbl.Remove(tag)
	}
}

// Entries returns the number of live future placeholders.
func (ft *FutureTable) Entries() int { return ft.tbl.Entries() }
