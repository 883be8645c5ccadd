package coarse

import (
	"github.com/fragforge/fragcache/addr"
)

// PendingFreeze is one stack entry in the freeze walk (spec.md §4.5
// "enqueues a PendingFreeze{tag, cur_pc, is_stub, link_site,
// elidable} record on a stack").
type PendingFreeze struct {
	Tag      addr.Tag
	CurPC    addr.CachePC
	IsStub   bool
	LinkSite addr.CachePC
	// Elidable marks a record whose emitted predecessor ends in an
	// unconditional branch straight into this record's destination:
	// the freeze walk can drop that branch since the fall-through
	// already lands on the right place.
	Elidable bool
}

// Emitter is the collaborator the freeze walk copies fragment bodies
// and stub bytes through. It lives in this package (not the root
// fragcache package) for the same reason fragment.Collaborators does:
// avoiding an import cycle with the eventual root package.
type Emitter interface {
	// CopyBody copies tag's fragment body into dest at the next free
	// offset and returns that offset.
	CopyBody(dest *Unit, tag addr.Tag, srcPC addr.CachePC) (destOffset uint64)
	// CopyStub copies an entrance stub into dest and returns its
	// offset.
	CopyStub(dest *Unit, tag addr.Tag, srcPC addr.CachePC) (destOffset uint64)
	// PatchLinkSite repoints the branch at linkSite to newTarget.
	PatchLinkSite(linkSite addr.CachePC, newTarget addr.CachePC)
	// ElideBranch removes the unconditional branch at pc, since the
	// fall-through already reaches the intended target.
	ElideBranch(pc addr.CachePC)
}

// FreezeSource supplies the live entries a freeze walk consumes: every
// (tag, cur_pc, is_stub, link_site) tuple for a unit's currently
// non-frozen directory, and whether each one is elidable against the
// previously-copied record.
type FreezeSource interface {
	// LiveEntries returns every live entry to freeze as a stack: Freeze
	// pops from the end, so the last element is copied first.
	LiveEntries() []PendingFreeze
}

// Freeze walks src's live entries, copying each into dst via emit and
// patching the incoming link site, eliding a redundant unconditional
// branch where the previous copy's tail already falls through to this
// one (spec.md §4.5 "Freezing"). dst is marked Frozen with BaseAddr set
// to base once the walk completes.
func Freeze(dst *Unit, base addr.CachePC, src FreezeSource, emit Emitter) {
	stack := src.LiveEntries()

	// Process in stack order: pop from the tail, matching the spec's
	// "enqueues ... on a stack. Repeatedly pops the stack".
	havePrev := false
	for len(stack) > 0 {
		rec := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var destOff uint64
		if rec.IsStub {
			destOff = emit.CopyStub(dst, rec.Tag, rec.CurPC)
		} else {
			destOff = emit.CopyBody(dst, rec.Tag, rec.CurPC)
		}

		newTarget := dst.ResolveCachePC(destOff)
		if rec.LinkSite != 0 {
			emit.PatchLinkSite(rec.LinkSite, newTarget)
		}

		// rec.Elidable already records that this record's destination
		// is immediately preceded by an unconditional branch from the
		// previously copied record's tail; there is no such
		// predecessor for the first record in the walk.
		if rec.Elidable && havePrev {
			emit.ElideBranch(rec.LinkSite)
		}

		if rec.IsStub {
			_ = dst.AddTraceHead(rec.Tag, destOff)
		} else {
			_ = dst.AddMain(rec.Tag, destOff)
		}
		havePrev = true
	}

	dst.mu.Lock()
	dst.BaseAddr = base
	dst.Frozen = true
	dst.mu.Unlock()
}
