package fragment

import "github.com/fragforge/fragcache/addr"

// The interfaces below are the collaborators lifecycle operations
// call into (spec.md §6 "Collaborator interfaces consumed by the
// core"). They are declared here, scoped to exactly the methods
// lifecycle.go needs, rather than in the root package, so that
// package fragment never has to import its own importer. The root
// package's wider Collaborators struct is built from types that
// satisfy these structurally.

// FCache owns the code-cache bytes a fragment's body lives in.
type FCache interface {
	AddFragment(f *Fragment)
	RemoveFragment(f *Fragment)
}

// LinkStubs allocates/frees the memory backing a fragment's exit
// stubs.
type LinkStubs interface {
	Init(f *Fragment, nDirect, nIndirect int)
	Free(f *Fragment)
}

// Link toggles a fragment's direct-jump exits between their targets
// and the target-delete trampoline.
type Link interface {
	UnlinkOutgoing(f *Fragment)
	UnlinkIncoming(f *Fragment)
	LinkOutgoing(f *Fragment)
}

// VMAreaTracker maps address ranges to the fragments that live there;
// out of scope for this module's algorithms (spec.md §1) and consumed
// only through this narrow interface.
type VMAreaTracker interface {
	AreaRemoveFragment(f *Fragment)
	AreaAddFragment(f *Fragment) any // returns the opaque VMAreaLinks token
}

// Monitor coordinates with in-progress trace building.
type Monitor interface {
	RemoveFragment(f *Fragment)
	DeleteWouldAbortTrace(f *Fragment) bool
}

// Client is the optional per-embedder deletion callback.
type Client interface {
	FragmentDeleted(tag addr.Tag, flags Flags)
}

// Collaborators bundles every collaborator lifecycle operations may
// need; any field left nil is treated as a no-op, so tests can
// exercise Delete/Create without standing up a full fake fcache.
type Collaborators struct {
	FCache    FCache
	Stubs     LinkStubs
	Link      Link
	VMArea    VMAreaTracker
	Monitor   Monitor
	Client    Client
}
