package fragcache

import (
	"context"
	"fmt"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/coarse"
	"github.com/fragforge/fragcache/flush"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/pstate"
)

// pendingFlush tracks the gap between FlushRegionStart and
// FlushRegionFinish (spec.md §6 "flush_region_start(base, size,
// flags)" / "flush_region_finish()").
type pendingFlush struct {
	regions []flush.Region
}

// FlushRegionStart records the requested region for a subsequent
// FlushRegionFinish. It returns false with a nil handle only when size
// is 0; it does not probe VM-area coverage, so any non-empty region
// proceeds to a full flush.
func (c *Context) FlushRegionStart(base addr.Tag, size uint64) (*pendingFlush, bool) {
	if size == 0 {
		return nil, false
	}
	return &pendingFlush{regions: []flush.Region{{Start: base, Size: size}}}, true
}

// FlushRegionFinish runs the full three-stage flush coordinator
// protocol for the regions recorded by FlushRegionStart (spec.md §4.7
// Stages 1-3).
func (c *Context) FlushRegionFinish(ctx context.Context, p *pendingFlush) (flush.Stats, error) {
	if p == nil {
		return flush.Stats{}, fmt.Errorf("fragcache: FlushRegionFinish: no pending flush (Start returned false)")
	}
	return c.flusher.Flush(ctx, p.regions)
}

// FlushAndRemoveRegion is FlushRegionStart+FlushRegionFinish combined
// for callers that don't need to interleave other work between them
// (spec.md §6 "flush_and_remove_region(base, size)").
func (c *Context) FlushAndRemoveRegion(ctx context.Context, base addr.Tag, size uint64) (flush.Stats, error) {
	p, ok := c.FlushRegionStart(base, size)
	if !ok {
		return flush.Stats{}, nil
	}
	return c.FlushRegionFinish(ctx, p)
}

// InvalidateCodeCache flushes the entire address space, dropping every
// fragment (spec.md §6 "invalidate_code_cache()").
func (c *Context) InvalidateCodeCache(ctx context.Context) (flush.Stats, error) {
	return c.FlushAndRemoveRegion(ctx, 0, ^uint64(0))
}

// PCLookup resolves a running pc back to the fragment it belongs to
// (spec.md §6 "pclookup(pc) -> Fragment?"). It checks tid's private bb
// and trace tables, then the shared ones, returning the fragment whose
// [StartPC, StartPC+Size) contains pc (spec.md §8 testable property 7)
// rather than requiring an exact match against the entry point, since
// real fault-translation pcs land inside a fragment's body.
func (c *Context) PCLookup(tid pstate.ThreadID, pc addr.CachePC) (*fragment.Fragment, bool, error) {
	ts, err := c.thread(tid)
	if err != nil {
		return nil, false, err
	}
	for _, tbl := range []*fragment.Table{ts.PrivateBB, ts.PrivateTrace, c.sharedBB, c.sharedTrace} {
		if tbl == nil {
			continue
		}
		it := tbl.Iterate()
		for {
			_, f, ok := it.Next()
			if !ok {
				break
			}
			if pc >= f.StartPC && pc < f.StartPC+addr.CachePC(f.Size) {
				return f, true, nil
			}
		}
	}
	return nil, false, nil
}

// CoarsePCLookup resolves pc within a named coarse unit's body range
// (spec.md §6 "coarse_pclookup(unit, pc) -> (tag, body_pc)?").
func (c *Context) CoarsePCLookup(unitKey string, pc addr.CachePC) (tag addr.Tag, bodyPC addr.CachePC, err error) {
	u, ok := c.coarse[unitKey]
	if !ok {
		return 0, 0, ErrNoSuchCoarseUnit
	}
	tag, bodyPC, found := u.PCLookup(pc)
	if !found {
		return 0, 0, nil
	}
	return tag, bodyPC, nil
}

// RegisterCoarseUnit adds a coarse unit to the directory consulted by
// LookupFineAndCoarse/CoarsePCLookup.
func (c *Context) RegisterCoarseUnit(key string, u *coarse.Unit) {
	c.coarse[key] = u
}
