package fragment

// Flags is the fragment attribute bitset (spec.md §3 "flags").
type Flags uint32

const (
	// FlagTrace marks a multi-block fragment. Mutually exclusive with
	// FlagBasicBlock.
	FlagTrace Flags = 1 << iota
	FlagBasicBlock
	// FlagFuture marks a placeholder entry with no start_pc (§4.4).
	FlagFuture
	// FlagCoarse marks a fragment reconstructed on demand from a
	// coarse unit rather than backed by a heap struct (§4.5); such a
	// Fragment value never lives in a fragment table. No code in this
	// module sets it.
	FlagCoarse
	// FlagShared vs. private table membership.
	FlagShared
	// FlagLinked: direct-jump exits currently point at their real
	// targets rather than the target-delete trampoline.
	FlagLinked
	// FlagDeleted marks a fragment that has completed the unlink half
	// of deletion but may still be referenced from a pending-deletion
	// queue awaiting the flushtime barrier.
	FlagDeleted
	// FlagHasTranslationInfo: the fragment carries enough metadata to
	// translate a faulting cache pc back to application state.
	FlagHasTranslationInfo
	// FlagSelfmod: the fragment's translation depends on a
	// self-modifying-code sandbox and must be treated conservatively
	// on overlapping writes.
	FlagSelfmod
	// FlagTraceBuildingInProgress: this fragment is the head of a
	// trace currently being extended; the flusher must squash it
	// rather than unlink it incrementally.
	FlagTraceBuildingInProgress
	// FlagCannotDelete pins a fragment against the deletion path
	// (e.g. a fragment currently executing under a synch-all pass).
	FlagCannotDelete
	// FlagISAModeBit0/1 record the target ISA mode (e.g. ARM vs.
	// Thumb); two bits are reserved to leave room for a third mode
	// without reshuffling every other flag.
	FlagISAModeBit0
	FlagISAModeBit1
	// FlagIsTraceHead: set on a basic block fragment that is the
	// entry of some trace; this is the only bit Promote copies from a
	// future placeholder onto the real fragment (spec.md §4.4).
	FlagIsTraceHead
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ISAMode extracts the two ISA-mode bits as a small integer.
func (f Flags) ISAMode() int {
	m := 0
	if f.Has(FlagISAModeBit0) {
		m |= 1
	}
	if f.Has(FlagISAModeBit1) {
		m |= 2
	}
	return m
}

// PromotableFromFuture is the flag subset future.Promote is allowed to
// copy onto the newly built real fragment (spec.md §4.4: "copies a
// restricted subset of flags (IS_TRACE_HEAD only)").
const PromotableFromFuture = FlagIsTraceHead
