package fragcache

import (
	"fmt"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/pstate"
)

// tableFor resolves the table a fragment belongs to given its
// (kind, sharing) pair and owning thread (spec.md §4.6 "add(fragment)
// inserts into the table selected by (kind, sharing)").
func (c *Context) tableFor(ts *pstate.ThreadState, kind addr.Kind, sharing addr.Sharing) (*fragment.Table, error) {
	switch {
	case kind == addr.KindBasicBlock && sharing == addr.Private:
		return ts.PrivateBB, nil
	case kind == addr.KindBasicBlock && sharing == addr.Shared:
		if c.sharedBB == nil {
			return nil, fmt.Errorf("fragcache: shared bb table not enabled")
		}
		return c.sharedBB, nil
	case kind == addr.KindTrace && sharing == addr.Private:
		return ts.PrivateTrace, nil
	case kind == addr.KindTrace && sharing == addr.Shared:
		if c.sharedTrace == nil {
			return nil, fmt.Errorf("fragcache: shared trace table not enabled")
		}
		return c.sharedTrace, nil
	default:
		return nil, fmt.Errorf("fragcache: unsupported (kind=%v, sharing=%v) pair", kind, sharing)
	}
}

// Add inserts f into the table selected by its own (kind, sharing),
// then promotes any future-table placeholder for the same tag
// (spec.md §4.6 "add(fragment)"; §4.4 future promotion; §8 scenario
// 6).
func (c *Context) Add(tid pstate.ThreadID, f *fragment.Fragment) error {
	ts, err := c.thread(tid)
	if err != nil {
		return err
	}
	tbl, err := c.tableFor(ts, f.Kind, f.Sharing)
	if err != nil {
		return err
	}
	if err := fragment.Add(tbl, f); err != nil {
		return err
	}
	c.future.Promote(f)
	return nil
}

// Create builds a new fragment via the FCache/LinkStubs/VMAreaTracker
// collaborators (spec.md §4.6 "create(tag, body_size, n_direct_exits,
// n_indirect_exits, flags)").
func (c *Context) Create(p fragment.CreateParams) *fragment.Fragment {
	return fragment.Create(c.col.fragmentCollaborators(), p)
}

// Delete runs the requested subset of delete actions against f
// (spec.md §4.6 "delete(fragment, actions)"). Callers doing the
// standard two-stage delete of a private fragment should prefer Remove,
// which runs both stages back to back without a flushtime barrier;
// Delete is exposed for callers that need fine control.
func (c *Context) Delete(tid pstate.ThreadID, tbl *fragment.Table, f *fragment.Fragment, actions fragment.DeleteAction) {
	fragment.Delete(c.col.fragmentCollaborators(), tbl, f, actions)
}

// Remove performs the full two-stage delete of a private fragment:
// unlink immediately, then free immediately since private fragments
// have no concurrent readers to wait on (spec.md §4.6; the flushtime
// barrier in §3 only applies to shared fragments removed via a flush,
// handled by the flush package instead).
func (c *Context) Remove(tid pstate.ThreadID, f *fragment.Fragment) error {
	ts, err := c.thread(tid)
	if err != nil {
		return err
	}
	tbl, err := c.tableFor(ts, f.Kind, f.Sharing)
	if err != nil {
		return err
	}
	col := c.col.fragmentCollaborators()
	fragment.Delete(col, tbl, f, fragment.UnlinkActions)
	fragment.Delete(col, nil, f, fragment.FreeActions)
	return nil
}

// Replace atomically swaps old for repl in the table selected by
// old's (kind, sharing) (spec.md §4.6 "replace(old, new)").
func (c *Context) Replace(tid pstate.ThreadID, old, repl *fragment.Fragment) error {
	ts, err := c.thread(tid)
	if err != nil {
		return err
	}
	tbl, err := c.tableFor(ts, old.Kind, old.Sharing)
	if err != nil {
		return err
	}
	return fragment.Replace(tbl, old, repl)
}

// ShiftFCachePointers fixes up f after the FCache allocator moves or
// resizes its backing bytes (spec.md §6 "shift_fcache_pointers(f,
// delta, range, old_size)"). The range/old_size parameters are the
// Emitter's concern (re-relativizing PC-relative jumps within the
// body); the core's own bookkeeping is fragment.Shift.
func (c *Context) ShiftFCachePointers(f *fragment.Fragment, delta int64) {
	fragment.Shift(f, delta)
}
