package fragcache

import (
	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/pstate"
)

// LookupBB looks up a basic-block fragment for the given thread,
// checking its private table first, then the shared table if enabled
// (spec.md §6 "lookup_bb").
func (c *Context) LookupBB(tid pstate.ThreadID, tag addr.Tag) (*fragment.Fragment, bool, error) {
	ts, err := c.thread(tid)
	if err != nil {
		return nil, false, err
	}
	if f, ok := ts.PrivateBB.Lookup(tag); ok {
		return f, true, nil
	}
	if c.sharedBB != nil {
		if f, ok := c.sharedBB.Lookup(tag); ok {
			return f, true, nil
		}
	}
	return nil, false, nil
}

// LookupTrace is LookupBB's trace-table counterpart (spec.md §6
// "lookup_trace").
func (c *Context) LookupTrace(tid pstate.ThreadID, tag addr.Tag) (*fragment.Fragment, bool, error) {
	ts, err := c.thread(tid)
	if err != nil {
		return nil, false, err
	}
	if f, ok := ts.PrivateTrace.Lookup(tag); ok {
		return f, true, nil
	}
	if c.sharedTrace != nil {
		if f, ok := c.sharedTrace.Lookup(tag); ok {
			return f, true, nil
		}
	}
	return nil, false, nil
}

// Lookup checks both bb and trace tables for tid, bb first (spec.md §6
// "lookup(tag)").
func (c *Context) Lookup(tid pstate.ThreadID, tag addr.Tag) (*fragment.Fragment, bool, error) {
	if f, ok, err := c.LookupBB(tid, tag); err != nil || ok {
		return f, ok, err
	}
	return c.LookupTrace(tid, tag)
}

// LookupSharedBB looks up tag in the shared bb table only, bypassing
// any thread's private copy (spec.md §6 "lookup_shared_bb").
func (c *Context) LookupSharedBB(tag addr.Tag) (*fragment.Fragment, bool) {
	if c.sharedBB == nil {
		return nil, false
	}
	return c.sharedBB.Lookup(tag)
}

// LookupSameSharing looks tag up only in the table matching an
// existing fragment's sharing mode, used when a caller must avoid
// cross-sharing duplicates (spec.md §6 "lookup_same_sharing").
func (c *Context) LookupSameSharing(tid pstate.ThreadID, tag addr.Tag, kind addr.Kind, sharing addr.Sharing) (*fragment.Fragment, bool, error) {
	ts, err := c.thread(tid)
	if err != nil {
		return nil, false, err
	}
	var tbl *fragment.Table
	switch {
	case kind == addr.KindBasicBlock && sharing == addr.Private:
		tbl = ts.PrivateBB
	case kind == addr.KindBasicBlock && sharing == addr.Shared:
		tbl = c.sharedBB
	case kind == addr.KindTrace && sharing == addr.Private:
		tbl = ts.PrivateTrace
	case kind == addr.KindTrace && sharing == addr.Shared:
		tbl = c.sharedTrace
	}
	if tbl == nil {
		return nil, false, nil
	}
	f, ok := tbl.Lookup(tag)
	return f, ok, nil
}

// LookupFineAndCoarse tries the ordinary fragment tables first and
// falls back to every registered coarse unit's main directory,
// returning the coarse hit translated to a synthetic lookup result
// (spec.md §6 "lookup_fine_and_coarse").
func (c *Context) LookupFineAndCoarse(tid pstate.ThreadID, tag addr.Tag) (f *fragment.Fragment, cachePC addr.CachePC, fine bool, err error) {
	if f, ok, err := c.Lookup(tid, tag); err != nil || ok {
		return f, 0, true, err
	}
	for _, u := range c.coarse {
		if pc, ok := u.Lookup(tag); ok {
			return nil, pc, false, nil
		}
	}
	return nil, 0, false, nil
}

// LookupFuture looks up a future-fragment placeholder (spec.md §6
// "lookup_future").
func (c *Context) LookupFuture(tag addr.Tag) (*fragment.Fragment, bool) {
	return c.future.Lookup(tag)
}
