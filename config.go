package fragcache

import (
	"log"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/fragment"
	"github.com/fragforge/fragcache/ibt"
)

// Config is read once at New and never polled afterwards (spec.md §6
// "The core reads these at init and does not observe changes
// afterwards"), mirroring the teacher's nodefs.Options/fs.Options
// read-once-at-mount convention.
type Config struct {
	// SharedBBs / SharedTraces select whether basic-block/trace
	// fragments live in process-wide shared tables in addition to
	// each thread's private ones (spec.md §6 "shared_bbs,
	// shared_traces").
	SharedBBs    bool
	SharedTraces bool

	// SharedBBIBLTables / SharedTraceIBLTables select whether a single
	// process-wide IBT table per branch type backs bb/trace indirect
	// dispatch, versus one per thread (spec.md §6).
	SharedBBIBLTables    bool
	SharedTraceIBLTables bool

	// BBIBLTargets records the per-module return/indirect-branch policy
	// knob (spec.md §6 "bb_ibl_targets"). The core does not read it.
	BBIBLTargets bool

	// InlineBBIBL / InlineTraceIBL mirror the emitter-facing knobs of
	// the same name. The core does not read them: the Emitter's
	// optional TableResized hook runs on every IBT resize either way
	// (spec.md §9 "Generated-code coupling").
	InlineBBIBL    bool
	InlineTraceIBL bool

	// CoarseUnits records the coarse-unit knob. The core does not read
	// it; the coarse-unit directory is always available.
	CoarseUnits bool

	GroomFactorPercent     uint
	LoadFactorPercent      uint
	InitialBitsBB          uint
	InitialBitsTrace       uint
	InitialBitsIBT         uint
	InitialBitsCoarse      uint
	MaxBitsBB              uint
	MaxBitsTrace           uint
	MaxBitsIBT             uint
	MaxBitsCoarse          uint
	RehashUnlinkedThreshold uint
	RehashUnlinkedAlways    bool

	// IBLTableInTLS mirrors the thread-local-pointer knob; modelled
	// here only as a flag the root package records, since Go's
	// pstate.ThreadState already gives every thread its own table
	// pointers without any TLS machinery of its own.
	IBLTableInTLS bool

	// SyscallsSynchFlush records the syscalls-synch-flush knob. The
	// core does not read it, and the flush coordinator does no flush
	// work on behalf of threads blocked in a syscall.
	SyscallsSynchFlush bool

	// SharedDeletion records the shared-deletion knob. The core does
	// not read it: the flush coordinator always frees shared fragments
	// only after the flushtime barrier.
	SharedDeletion bool

	// MaxConcurrentGrooms bounds how many table-grooming passes may
	// run at once across the whole process (SPEC_FULL.md §2: backs
	// the semaphore.Weighted wiring in groom.go). Zero means
	// unbounded.
	MaxConcurrentGrooms int64

	// Logger is stored on the Context; nil selects log.Default(),
	// matching the teacher's nodefs.Options.Logger convention. No code
	// path in this module writes to it.
	Logger *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c Config) fragmentConfig(bits, maxBits uint) fragment.Config {
	return fragment.Config{
		Bits:              bits,
		MaxCapacityBits:   maxBits,
		LoadFactorPercent: c.LoadFactorPercent,
	}
}

func (c Config) ibtConfig(bits, maxBits uint, targetDeletePC addr.CachePC, onResize func(t *ibt.Table)) ibt.Config {
	return ibt.Config{
		Bits:                   bits,
		MaxCapacityBits:        maxBits,
		LoadFactorPercent:      c.LoadFactorPercent,
		RehashThresholdPercent: c.RehashUnlinkedThreshold,
		RehashAlways:           c.RehashUnlinkedAlways,
		TargetDeletePC:         targetDeletePC,
		OnResize:               onResize,
	}
}
