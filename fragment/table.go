package fragment

import (
	"fmt"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/table"
)

// Table is a fragment table: an open-address table.Table keyed by tag
// whose payload is a *Fragment (spec.md §4.2). The underlying
// table.Table already encodes Empty/Sentinel/Invalid as slot states
// rather than sentinel pointer values; LookupOrNull below is provided
// for callers written against the original's "always get back a
// non-nil Fragment" contract, where a miss resolves to NullFragment
// (whose StartPC is zero).
type Table struct {
	Kind    addr.Kind
	Sharing addr.Sharing
	inner   *table.Table[addr.Tag, *Fragment]
}

// Config mirrors table.Config for fragment tables.
type Config struct {
	Bits              uint
	MaxCapacityBits   uint
	LoadFactorPercent uint
	Shared            bool
	CollectStats      bool
}

// NewTable allocates a fragment table for one (kind, sharing) pair
// (spec.md §3 invariant: "(tag, kind=bb|trace, sharing) is unique
// across the set of live tables consulted by lookup").
func NewTable(kind addr.Kind, sharing addr.Sharing, cfg Config) *Table {
	flags := table.Flags(0)
	if cfg.Shared {
		flags |= table.Shared
	}
	return &Table{
		Kind:    kind,
		Sharing: sharing,
		inner: table.New(table.Config[addr.Tag, *Fragment]{
			Bits:              cfg.Bits,
			MaxCapacityBits:   cfg.MaxCapacityBits,
			LoadFactorPercent: cfg.LoadFactorPercent,
			Hash:              table.DefaultHash[addr.Tag],
			Flags:             flags,
			CollectStats:      cfg.CollectStats,
		}),
	}
}

// Lookup returns the fragment for tag, or (nil, false).
func (t *Table) Lookup(tag addr.Tag) (*Fragment, bool) {
	return t.inner.Lookup(tag)
}

// LookupOrNull mirrors the original generated-code-facing contract:
// misses resolve to the process-wide NullFragment sentinel rather than
// a Go nil, so callers translated directly from the C source don't
// need a separate nil check.
func (t *Table) LookupOrNull(tag addr.Tag) *Fragment {
	if f, ok := t.inner.Lookup(tag); ok {
		return f
	}
	return NullFragment
}

// Add inserts f keyed by f.Tag. Returns table.ErrDuplicateTag if tag
// is already present (spec.md §7 "Duplicate tag").
func (t *Table) Add(f *Fragment) error {
	if f.Kind != t.Kind || f.Sharing != t.Sharing {
		return fmt.Errorf("fragment: table/fragment kind-sharing mismatch")
	}
	return t.inner.Add(f.Tag, f)
}

// Remove deletes the entry for tag, if present.
func (t *Table) Remove(tag addr.Tag) (removed bool) {
	removed, _ = t.inner.Remove(tag)
	return removed
}

// Replace atomically swaps the payload for tag (spec.md §4.6
// "replace(old, new): in all tables atomically (tag preserved)").
func (t *Table) Replace(tag addr.Tag, f *Fragment) bool {
	return t.inner.Replace(tag, f)
}

// Entries returns the live entry count.
func (t *Table) Entries() int { return t.inner.Entries() }

// RangeRemove removes every fragment whose tag falls in
// [lo, hi) and additionally satisfies filter (nil filter = remove
// all in range), returning the fragments removed so the caller can
// finish unlinking them (spec.md §4.1 range_remove, §4.7 Stage 1/2
// "unlink all overlapping fragments").
func (t *Table) RangeRemove(lo, hi addr.Tag, filter func(*Fragment) bool) []*Fragment {
	var removed []*Fragment
	t.inner.RangeRemove(
		func(k addr.Tag) bool { return k >= lo && k < hi },
		func(k addr.Tag, f *Fragment) bool {
			if filter != nil && !filter(f) {
				return false
			}
			removed = append(removed, f)
			return true
		},
	)
	return removed
}

// Iterate returns a fresh iterator over the table (for statistics
// dumps and whole-table flush passes).
func (t *Table) Iterate() *table.Iterator[addr.Tag, *Fragment] {
	return t.inner.Iterate()
}
