package fragcache

import "errors"

// Error kinds the core reports (spec.md §7 "ERROR HANDLING DESIGN").
var (
	// ErrNotFound names the not-found condition. Lookups do not return
	// it: they report a miss as ok == false with a nil error; callers
	// that want the original's null-fragment sentinel can use the
	// per-package LookupOrNull helpers.
	ErrNotFound = errors.New("fragcache: not found")

	// ErrDuplicateTag names the duplicate-tag condition (spec.md §7
	// "Duplicate tag: attempting to add a tag already present ->
	// asserted"). Context.Add does not return it; a duplicate surfaces
	// as an error wrapping table.ErrDuplicateTag.
	ErrDuplicateTag = errors.New("fragcache: duplicate tag")

	// ErrCapacityExceeded names the capacity-exceeded condition
	// (spec.md §7 "Capacity-exceeded"). No entry point of this package
	// returns it.
	ErrCapacityExceeded = errors.New("fragcache: capacity exceeded")

	// ErrVersionMismatch names the persisted-image version mismatch
	// (spec.md §6 "Versioned; an incompatible version is rejected").
	// No entry point of this package returns it; coarse.Resurrect
	// reports a mismatch with its own error.
	ErrVersionMismatch = errors.New("fragcache: incompatible persisted image version")

	// ErrTableReadOnly names a mutation against a read-only table view.
	// No entry point of this package returns it; the table package
	// reports the case with table.ErrTableReadOnly.
	ErrTableReadOnly = errors.New("fragcache: table is read-only")

	// ErrUnknownThread is returned when an entry point is called with
	// a ThreadID the registry has no state for.
	ErrUnknownThread = errors.New("fragcache: unknown thread")

	// ErrNoSuchCoarseUnit is returned by coarse-unit lookups keyed by a
	// module name the Context has no unit registered for.
	ErrNoSuchCoarseUnit = errors.New("fragcache: no such coarse unit")
)
