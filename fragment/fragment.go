// Package fragment implements the Fragment data type (spec.md §3), the
// fragment and future-fragment tables built on package table (§4.2,
// §4.4), and the create/add/delete/replace/shift lifecycle operations
// (§4.6).
package fragment

import (
	"sync"

	"github.com/fragforge/fragcache/addr"
)

// Exit describes one exit stub of a fragment (spec.md §3 "exits": an
// inline array of exit stub descriptors, variable-sized per
// fragment).
type Exit struct {
	TargetTag addr.Tag
	Linked    bool
	StubPC    addr.CachePC
	Indirect  bool
	BranchTy  addr.BranchType
}

// IncomingRef is a weak reference (spec.md §9 "Cyclic structures":
// edges are index/pointer weak references into the owning table, not
// shared ownership) from another fragment's exit into this one.
type IncomingRef struct {
	From     *Fragment
	ExitIdx  int
}

// Fragment represents one translated unit living in the code cache.
// Mutable fields are guarded by mu; the fields above mu are set once
// at Create and never change afterward, matching the teacher's
// Inode split between immutable identity and mu-guarded mutable state.
type Fragment struct {
	Tag      addr.Tag
	Kind     addr.Kind
	Sharing  addr.Sharing

	mu sync.Mutex

	Flags       Flags
	Size        uint32
	PrefixSize  uint32
	FCacheExtra uint32
	StartPC     addr.CachePC

	Exits    []Exit
	Incoming []IncomingRef

	// VMAreaLinks is an opaque token handed back by the VMAreaTracker
	// collaborator on registration, returned unchanged on removal; the
	// core never interprets it (spec.md §1: VM-area tracking is an
	// external collaborator).
	VMAreaLinks any

	// deletionFlushTime is stamped by the flush coordinator when this
	// fragment is moved to the pending-deletion queue (spec.md §3
	// "stamped with flushtime t").
	deletionFlushTime addr.FlushTime
	pendingDeletion    bool
}

// sentinel fragments used as Empty/Sentinel markers in fragment
// tables, matching spec.md §4.2's null_fragment/sentinel_fragment.
// Their StartPC is left zero: no ibl-miss handler address is recorded
// on them, and the fragment table itself never dereferences StartPC.
var (
	NullFragment     = &Fragment{Tag: 0, Flags: 0}
	SentinelFragment = &Fragment{Tag: 0, Flags: 0}
	UnlinkedFragment = &Fragment{Tag: 0, Flags: FlagDeleted}
)

// Lock/Unlock expose the per-fragment mutex to lifecycle.go and
// future.go without making mu itself exported.
func (f *Fragment) Lock()   { f.mu.Lock() }
func (f *Fragment) Unlock() { f.mu.Unlock() }

// IsFuture reports whether this Fragment is a future placeholder: no
// StartPC, only an incoming list (spec.md §3).
func (f *Fragment) IsFuture() bool { return f.Flags.Has(FlagFuture) }

// TagOverlaps reports whether the fragment's application footprint
// overlaps the half-open application-address range [base, base+size).
// Fragments are identified by Tag; a single-basic-block fragment's
// application footprint is approximated here as [Tag, Tag+1) unless
// the caller knows the true instruction length — callers that need
// exact coverage should consult the VMAreaTracker collaborator, which
// is what spec.md §4.7 actually does ("vmarea.check_overlap"). This
// helper serves callers that only have a tag to compare against a
// range; no package of this module calls it.
func (f *Fragment) TagOverlaps(base addr.Tag, size uint64) bool {
	return addr.Overlaps(f.Tag, 1, base, size)
}

// MarkPendingDeletion stamps the fragment with a deletion flushtime
// and returns whether this call was the one that first marked it
// (idempotent against double-stamping by a racing flush).
func (f *Fragment) MarkPendingDeletion(ft addr.FlushTime) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingDeletion {
		return false
	}
	f.pendingDeletion = true
	f.deletionFlushTime = ft
	f.Flags |= FlagDeleted
	return true
}

// DeletionFlushTime returns the stamped flushtime and whether the
// fragment is pending deletion at all.
func (f *Fragment) DeletionFlushTime() (addr.FlushTime, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletionFlushTime, f.pendingDeletion
}
