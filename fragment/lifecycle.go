package fragment

import (
	"fmt"

	"github.com/fragforge/fragcache/addr"
)

// DeleteAction is the action bitset spec.md §4.6 / §4.7 describe:
// delete(f, actions) selects which phases of removal to perform, so
// the two-stage unlink-then-free protocol is just two calls with
// different bits set.
type DeleteAction uint32

const (
	ActionOutputForLogging DeleteAction = 1 << iota
	ActionUnlink
	ActionRemoveHashtable
	ActionRemoveVMArea
	ActionRemoveFCache
	ActionFreeHeap
	ActionInvokeClientDeletion
)

// UnlinkActions is the first stage of two-stage deletion: unlink,
// remove from the hashtable, the VM area and the fcache. Logging, the
// heap free and the client-deletion callback are left out (spec.md
// §4.6: "delete(f, UNLINK | REMOVE_HASHTABLE | REMOVE_VMAREA)").
const UnlinkActions = ActionUnlink | ActionRemoveHashtable | ActionRemoveVMArea | ActionRemoveFCache

// FreeActions is the second stage, run only after the flushtime
// barrier has cleared every thread (spec.md §4.6: "then, after the
// flushtime barrier, delete(f, FREE_HEAP)").
const FreeActions = ActionFreeHeap | ActionInvokeClientDeletion

// CreateParams mirrors create(tag, body_size, n_direct_exits,
// n_indirect_exits, flags).
type CreateParams struct {
	Tag            addr.Tag
	Kind           addr.Kind
	Sharing        addr.Sharing
	BodySize       uint32
	NDirectExits   int
	NIndirectExits int
	Flags          Flags
}

// Create builds a new Fragment and asks FCache/LinkStubs to back it
// with cache bytes and exit-stub storage. The fragment is not yet
// linked into any table — call Add for that.
func Create(col Collaborators, p CreateParams) *Fragment {
	f := &Fragment{
		Tag:     p.Tag,
		Kind:    p.Kind,
		Sharing: p.Sharing,
		Flags:   p.Flags,
		Size:    p.BodySize,
		Exits:   make([]Exit, p.NDirectExits+p.NIndirectExits),
	}
	if col.FCache != nil {
		col.FCache.AddFragment(f)
	}
	if col.Stubs != nil {
		col.Stubs.Init(f, p.NDirectExits, p.NIndirectExits)
	}
	if col.VMArea != nil {
		f.VMAreaLinks = col.VMArea.AreaAddFragment(f)
	}
	return f
}

// Add inserts f into tbl, asserting no duplicate tag is present
// (spec.md §4.6 "asserts no duplicate"; spec.md §7 "Stale-fragment
// detected during add ... log and continue; the new add wins" is
// handled by the caller choosing to Remove+Add rather than Add
// failing outright when it knows the old entry is stale).
func Add(tbl *Table, f *Fragment) error {
	if err := tbl.Add(f); err != nil {
		return fmt.Errorf("fragment: add %#x: %w", f.Tag, err)
	}
	return nil
}

// Delete performs the subset of actions requested. tbl may be nil if
// ActionRemoveHashtable is not set (e.g. the fragment was already
// removed from its table by a flush and this call is only the
// deferred free half).
func Delete(col Collaborators, tbl *Table, f *Fragment, actions DeleteAction) {
	if actions&ActionUnlink != 0 {
		unlink(col, f)
	}
	if actions&ActionRemoveHashtable != 0 && tbl != nil {
		tbl.Remove(f.Tag)
	}
	if actions&ActionRemoveVMArea != 0 && col.VMArea != nil {
		col.VMArea.AreaRemoveFragment(f)
	}
	if actions&ActionRemoveFCache != 0 && col.FCache != nil {
		col.FCache.RemoveFragment(f)
	}
	if actions&ActionFreeHeap != 0 {
		if col.Stubs != nil {
			col.Stubs.Free(f)
		}
		// Nothing else to do: once every reference is dropped the Go
		// garbage collector reclaims f. The original's explicit
		// heap_free has no direct analogue.
	}
	if actions&ActionInvokeClientDeletion != 0 && col.Client != nil {
		col.Client.FragmentDeleted(f.Tag, f.Flags)
	}
}

// unlink clears f's Linked flag and sets Deleted, flips its
// direct-jump link bits via the Link collaborator, and marks unlinked
// the exits of every fragment on f's incoming list (spec.md §3
// lifecycle: "it is first unlinked ... while execution continues").
// It does not touch IBT tables.
func unlink(col Collaborators, f *Fragment) {
	f.Lock()
	f.Flags &^= FlagLinked
	f.Flags |= FlagDeleted
	incoming := f.Incoming
	f.Incoming = nil
	f.Unlock()

	if col.Link != nil {
		col.Link.UnlinkOutgoing(f)
		col.Link.UnlinkIncoming(f)
	}
	if col.Monitor != nil {
		col.Monitor.RemoveFragment(f)
	}

	// Mark unlinked each exit that still points at f, so no fragment
	// keeps a live link into a deleted one; f.Incoming was cleared
	// above.
	for _, ref := range incoming {
		ref.From.Lock()
		ref.From.Exits[ref.ExitIdx].Linked = false
		ref.From.Unlock()
	}
}

// Replace atomically swaps old for repl in tbl, preserving the tag
// (spec.md §4.6 "replace(old, new): in all tables atomically").
func Replace(tbl *Table, old, repl *Fragment) error {
	if old.Tag != repl.Tag {
		return fmt.Errorf("fragment: replace: tag mismatch %#x != %#x", old.Tag, repl.Tag)
	}
	if !tbl.Replace(old.Tag, repl) {
		return fmt.Errorf("fragment: replace: %#x not present", old.Tag)
	}
	return nil
}

// Shift fixes up a fragment after the FCache allocator moves or
// resizes its backing bytes: StartPC moves by delta, and the caller's
// Emitter (root package) is responsible for re-relativizing any
// PC-relative jumps inside the body and updating IBT entries that
// point at the old StartPC — this function only updates the
// bookkeeping Shift is defined to own (spec.md §4.6 "shift(f, delta,
// range): fixup when the fcache moves a fragment").
func Shift(f *Fragment, delta int64) {
	f.Lock()
	defer f.Unlock()
	f.StartPC = addr.CachePC(int64(f.StartPC) + delta)
	for i := range f.Exits {
		if f.Exits[i].StubPC != 0 {
			f.Exits[i].StubPC = addr.CachePC(int64(f.Exits[i].StubPC) + delta)
		}
	}
}
