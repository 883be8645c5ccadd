package fragcache

import (
	"fmt"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/ibt"
	"github.com/fragforge/fragcache/pstate"
)

// iblTableFor resolves which IBT table backs a given thread/kind/
// branch-type combination, honoring the Config.SharedBBIBLTables /
// SharedTraceIBLTables knobs (spec.md §3 "an IBT table per branch type
// per kind"; §6 Configuration).
func (c *Context) iblTableFor(ts *pstate.ThreadState, kind addr.Kind, bt addr.BranchType) (*ibt.Table, error) {
	switch kind {
	case addr.KindBasicBlock:
		if c.cfg.SharedBBIBLTables {
			return c.sharedIBTBB[bt], nil
		}
		return ts.IBLTablesBB[bt], nil
	case addr.KindTrace:
		if c.cfg.SharedTraceIBLTables {
			return c.sharedIBTTrace[bt], nil
		}
		return ts.IBLTablesTrace[bt], nil
	default:
		return nil, fmt.Errorf("fragcache: IBL tables are only defined for bb/trace kinds")
	}
}

// AddIBLTarget registers (tag, pc) as a validated indirect-branch
// target (spec.md §6 "add_ibl_target(tag, branch_type)").
func (c *Context) AddIBLTarget(tid pstate.ThreadID, kind addr.Kind, bt addr.BranchType, tag addr.Tag, pc addr.CachePC) (addr.CachePC, error) {
	ts, err := c.thread(tid)
	if err != nil {
		return 0, err
	}
	tbl, err := c.iblTableFor(ts, kind, bt)
	if err != nil {
		return 0, err
	}
	stored, _ := tbl.Add(tag, pc)
	return stored, nil
}

// RemoveIBLTarget invalidates f's entry in every IBT table it could be
// targeted through (spec.md §6 "remove_ibl_target(f)").
func (c *Context) RemoveIBLTarget(tid pstate.ThreadID, f *fragment.Fragment) error {
	ts, err := c.thread(tid)
	if err != nil {
		return err
	}
	for bt := 0; bt < addr.NumBranchTypes; bt++ {
		var tbl *ibt.Table
		if f.Kind == addr.KindBasicBlock {
			tbl, _ = c.iblTableFor(ts, addr.KindBasicBlock, addr.BranchType(bt))
		} else {
			tbl, _ = c.iblTableFor(ts, addr.KindTrace, addr.BranchType(bt))
		}
		if tbl != nil {
			tbl.Remove(f.Tag)
		}
	}
	return nil
}

// UpdateIBLTables advances tid's observers for every shared IBT table
// it reads, draining any dead-list generations it was the last
// reference to (spec.md §6 "update_ibl_tables(thread)"; §4.3 "Each
// thread carries an 'I have observed the shared IBT table' pointer").
func (c *Context) UpdateIBLTables(tid pstate.ThreadID) error {
	ts, err := c.thread(tid)
	if err != nil {
		return err
	}
	for _, t := range c.sharedIBTBB {
		if t != nil {
			ts.ObserverFor(t) // ensure registered even before first catchup
		}
	}
	for _, t := range c.sharedIBTTrace {
		if t != nil {
			ts.ObserverFor(t)
		}
	}
	ts.CatchupAll()
	return nil
}
