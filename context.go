// Package fragcache ties together the table, fragment, ibt, coarse,
// pstate, policy and flush packages into the process-wide fragment
// cache and flush coordinator (spec.md §9 "Global mutable state...
// Model as a process-singleton 'core context' value passed through all
// entry points, initialised at startup and torn down at exit").
package fragcache

import (
	"log"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/coarse"
	"github.com/fragforge/fragcache/flush"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/ibt"
	"github.com/fragforge/fragcache/policy"
	"github.com/fragforge/fragcache/pstate"
)

// Context is the core context: flushtime_global, the dead-IBT-table
// lists, the shared-cache-flush lock and the shared table headers all
// live behind it rather than as package-level globals, so tests can
// run many independent Contexts in one process.
type Context struct {
	cfg Config
	log *log.Logger

	col Collaborators

	registry *pstate.Registry

	sharedBB    *fragment.Table
	sharedTrace *fragment.Table
	future      *fragment.FutureTable

	sharedIBTBB    [addr.NumBranchTypes]*ibt.Table
	sharedIBTTrace [addr.NumBranchTypes]*ibt.Table

	policies *policy.Registry
	coarse   map[string]*coarse.Unit

	flusher *flush.Coordinator
	groom   *GroomLimiter
}

// Collaborators bundles every external dependency the core calls into
// (spec.md §6 "Collaborator interfaces consumed by the core"). Each
// field is structurally assignable from the corresponding subpackage's
// narrower interface; embedders implement these once against the
// concrete allocator/emitter they have.
type Collaborators struct {
	FCache  fragment.FCache
	Stubs   fragment.LinkStubs
	Link    fragment.Link
	VMArea  fragment.VMAreaTracker
	Monitor fragment.Monitor
	Client  fragment.Client
	Emitter coarse.Emitter

	// TargetDeletePC is the trampoline address IBT tables nullify
	// removed entries into (spec.md §3 "IBT entry": Invalid holds
	// target_delete_pc).
	TargetDeletePC addr.CachePC
}

func (c Collaborators) fragmentCollaborators() fragment.Collaborators {
	return fragment.Collaborators{
		FCache:  c.FCache,
		Stubs:   c.Stubs,
		Link:    c.Link,
		VMArea:  c.VMArea,
		Monitor: c.Monitor,
		Client:  c.Client,
	}
}

// New constructs a Context from cfg and col. Config is read once here
// and never polled again (spec.md §6).
func New(cfg Config, col Collaborators) *Context {
	c := &Context{
		cfg:      cfg,
		log:      cfg.logger(),
		col:      col,
		registry: pstate.NewRegistry(),
		policies: policy.NewRegistry(policy.Config{
			Bits: cfg.InitialBitsBB, MaxCapacityBits: cfg.MaxBitsBB, LoadFactorPercent: cfg.LoadFactorPercent,
		}),
		coarse: make(map[string]*coarse.Unit),
		groom:  NewGroomLimiter(cfg.MaxConcurrentGrooms),
	}

	if cfg.SharedBBs {
		c.sharedBB = fragment.NewTable(addr.KindBasicBlock, addr.Shared, fragment.Config{
			Bits: cfg.InitialBitsBB, MaxCapacityBits: cfg.MaxBitsBB, LoadFactorPercent: cfg.LoadFactorPercent, Shared: true,
		})
	}
	if cfg.SharedTraces {
		c.sharedTrace = fragment.NewTable(addr.KindTrace, addr.Shared, fragment.Config{
			Bits: cfg.InitialBitsTrace, MaxCapacityBits: cfg.MaxBitsTrace, LoadFactorPercent: cfg.LoadFactorPercent, Shared: true,
		})
	}
	c.future = fragment.NewFutureTable(fragment.Config{
		Bits: cfg.InitialBitsBB, MaxCapacityBits: cfg.MaxBitsBB, LoadFactorPercent: cfg.LoadFactorPercent, Shared: true,
	})

	if cfg.SharedBBIBLTables {
		for bt := range c.sharedIBTBB {
			c.sharedIBTBB[bt] = ibt.NewTable(cfg.ibtConfig(cfg.InitialBitsIBT, cfg.MaxBitsIBT, col.TargetDeletePC, c.onIBTResize))
		}
	}
	if cfg.SharedTraceIBLTables {
		for bt := range c.sharedIBTTrace {
			c.sharedIBTTrace[bt] = ibt.NewTable(cfg.ibtConfig(cfg.InitialBitsIBT, cfg.MaxBitsIBT, col.TargetDeletePC, c.onIBTResize))
		}
	}

	c.flusher = flush.New(c.registry, flush.Collaborators{
		SharedBB:    c.sharedBB,
		SharedTrace: c.sharedTrace,
		Fragment:    col.fragmentCollaborators(),
	})

	return c
}

// onIBTResize is passed as ibt.Config.OnResize: every IBT resize must
// let the Emitter rewrite any inlined IBL dispatch heads that embed
// the table's stride/mask (spec.md §9 "Generated-code coupling").
// Note this fires for every resize of a shared trace IBT table even
// when only bb fragments inline against it, which spec.md §9 flags as
// possibly over-conservative but correct; kept as-is per that note.
func (c *Context) onIBTResize(t *ibt.Table) {
	// The Emitter collaborator only needs to know "something resized,
	// go re-point your inlined dispatch heads"; it has its own index
	// from table pointer back to the fragments/exits that inline it.
	if c.col.Emitter != nil {
		if r, ok := c.col.Emitter.(interface{ TableResized(*ibt.Table) }); ok {
			r.TableResized(t)
		}
	}
}

// NewThread registers state for a newly created thread (spec.md §3
// "the translator maintains a registry of per-thread state for every
// thread currently running under it").
func (c *Context) NewThread(id pstate.ThreadID) *pstate.ThreadState {
	ts := pstate.New(id,
		c.cfg.fragmentConfig(c.cfg.InitialBitsBB, c.cfg.MaxBitsBB),
		c.cfg.fragmentConfig(c.cfg.InitialBitsTrace, c.cfg.MaxBitsTrace),
		fragment.Config{Bits: c.cfg.InitialBitsBB, MaxCapacityBits: c.cfg.MaxBitsBB, LoadFactorPercent: c.cfg.LoadFactorPercent, Shared: true},
		c.cfg.ibtConfig(c.cfg.InitialBitsIBT, c.cfg.MaxBitsIBT, c.col.TargetDeletePC, c.onIBTResize),
	)
	c.registry.Add(ts)
	return ts
}

// ExitThread tears down a thread's registration (spec.md §5
// "about_to_exit"). Callers must have already set AboutToExit(true)
// and ensured no in-flight flush still expects this thread's
// participation.
func (c *Context) ExitThread(id pstate.ThreadID) {
	c.registry.Remove(id)
}

// thread looks up a registered thread or reports ErrUnknownThread.
func (c *Context) thread(id pstate.ThreadID) (*pstate.ThreadState, error) {
	ts, ok := c.registry.Get(id)
	if !ok {
		return nil, ErrUnknownThread
	}
	return ts, nil
}
