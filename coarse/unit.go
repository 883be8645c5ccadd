// Package coarse implements the coarse-unit directory (spec.md §4.5):
// a read-mostly tag→cache_offset/stub_offset directory for a
// contiguous range of translated code, together with the freeze walk
// that compacts a unit's live fragments into a persistable form and
// the mmap/zstd-backed persistence format that lets a frozen unit
// survive a process restart.
package coarse

import (
	"fmt"
	"sync"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/table"
)

// Config sizes a coarse unit's internal tables.
type Config struct {
	Bits              uint
	MaxCapacityBits   uint
	LoadFactorPercent uint
	// RecentPCLimit bounds the bounded recent-pc cache; inserting into a
	// cache that already holds this many entries clears it outright
	// rather than evicting LRU-style (spec.md §4.5, §8 scenario 5).
	// Zero selects the spec's example threshold of 8192.
	RecentPCLimit int
}

// Unit is one coarse-grained translation unit: a contiguous range of
// application code translated ahead of the normal per-fragment path.
type Unit struct {
	mu sync.RWMutex

	// ModKey names the module this unit covers. It is not written to the
	// persisted header, whose ID is a fresh random UUID per Persist.
	ModKey string

	// BaseAddr is the stable base a frozen unit's offsets are relative
	// to; ModShift corrects for the unit having been relocated since it
	// was built or persisted (spec.md §4.5 "Lookup applies mod_shift to
	// tag before comparing").
	BaseAddr addr.CachePC
	ModShift int64
	Frozen   bool

	main      *table.Table[addr.Tag, uint64]
	traceHead *table.Table[addr.Tag, uint64]
	reverse   *table.Table[addr.CachePC, addr.Tag]

	recentPCLimit int
	recentPC      map[addr.CachePC]pcCacheEntry
}

type pcCacheEntry struct {
	Tag    addr.Tag
	BodyPC addr.CachePC
}

// NewUnit allocates an empty, non-frozen coarse unit.
func NewUnit(modKey string, cfg Config) *Unit {
	limit := cfg.RecentPCLimit
	if limit == 0 {
		limit = 8192
	}
	return &Unit{
		ModKey: modKey,
		main: table.New(table.Config[addr.Tag, uint64]{
			Bits: cfg.Bits, MaxCapacityBits: cfg.MaxCapacityBits,
			LoadFactorPercent: cfg.LoadFactorPercent, Hash: table.DefaultHash[addr.Tag],
			Flags: table.Shared,
		}),
		traceHead: table.New(table.Config[addr.Tag, uint64]{
			Bits: cfg.Bits, MaxCapacityBits: cfg.MaxCapacityBits,
			LoadFactorPercent: cfg.LoadFactorPercent, Hash: table.DefaultHash[addr.Tag],
			Flags: table.Shared,
		}),
		recentPCLimit: limit,
		recentPC:      make(map[addr.CachePC]pcCacheEntry),
	}
}

// shift applies ModShift to an incoming application tag before it is
// compared against the (possibly persisted-and-relocated) main table.
func (u *Unit) shift(tag addr.Tag) addr.Tag {
	return addr.Tag(int64(tag) + u.ModShift)
}

// AddMain records tag's cache_offset in the main table (spec.md §4.5
// "Main: tag -> cache_offset").
func (u *Unit) AddMain(tag addr.Tag, offset uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.main.Add(tag, offset); err != nil {
		return fmt.Errorf("coarse: AddMain %#x: %w", tag, err)
	}
	return nil
}

// AddTraceHead records tag's stub_offset: presence means the trace
// head's body lives in this unit (spec.md §4.5 "Trace-head").
func (u *Unit) AddTraceHead(tag addr.Tag, stubOffset uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.traceHead.Add(tag, stubOffset); err != nil {
		return fmt.Errorf("coarse: AddTraceHead %#x: %w", tag, err)
	}
	return nil
}

// ResolveCachePC turns a stored offset into a usable code-cache
// address: a frozen unit's offsets are relative to BaseAddr, a
// non-frozen unit's are already absolute (spec.md §4.5 "Frozen units
// store offsets from a stable base; non-frozen store absolute
// cache_pc").
func (u *Unit) ResolveCachePC(offset uint64) addr.CachePC {
	if u.Frozen {
		return addr.CachePC(uint64(u.BaseAddr) + offset)
	}
	return addr.CachePC(offset)
}

// Lookup resolves tag to a code-cache address via the main table,
// applying ModShift first.
func (u *Unit) Lookup(tag addr.Tag) (addr.CachePC, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	off, ok := u.main.Lookup(u.shift(tag))
	if !ok {
		return 0, false
	}
	return u.ResolveCachePC(off), true
}

// LookupTraceHead reports whether tag's body lives in this unit and,
// if so, its stub's code-cache address.
func (u *Unit) LookupTraceHead(tag addr.Tag) (addr.CachePC, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	off, ok := u.traceHead.Lookup(u.shift(tag))
	if !ok {
		return 0, false
	}
	return u.ResolveCachePC(off), true
}

// BuildReverse (re)builds the optional cache_pc -> tag index used for
// fault translation (spec.md §4.5 "A reverse cache_pc -> tag table may
// be built on demand"). It walks the main table once; callers should
// call this only when PC-to-tag lookups are actually needed.
func (u *Unit) BuildReverse() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buildReverseLocked()
}

func newReverseTable() *table.Table[addr.CachePC, addr.Tag] {
	return table.New(table.Config[addr.CachePC, addr.Tag]{
		Bits: 6, LoadFactorPercent: 75, Hash: table.DefaultHash[addr.CachePC], Flags: table.Shared,
	})
}

// HasReverse reports whether the reverse table has been built. Later
// AddMain calls do not clear it, so a true result does not mean it
// covers every main entry.
func (u *Unit) HasReverse() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.reverse != nil
}

// Entries returns (main, traceHead) live entry counts.
func (u *Unit) Entries() (int, int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.main.Entries(), u.traceHead.Entries()
}
