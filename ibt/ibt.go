// Package ibt implements the indirect-branch-target table: a lockless
// inline (tag, cache_pc) table read by emitted assembly dispatch stubs
// (spec.md §4.3). Unlike package table's generic payload tables, every
// entry here is a pair of fixed-width atomics stored directly in the
// slot array, matching the "POD {tag, pc} of pointer-word width"
// contract spec.md §9 requires for the generated-code reader.
package ibt

import (
	"sync"
	"sync/atomic"

	"github.com/fragforge/fragcache/addr"
)

// emptyTag/invalidTag are the non-real tag values an entry's Tag field
// can hold; any other value is a real, live tag. The sentinel shares
// emptyTag and is told apart by its pc.
// Empty is encoded as (tag=0, pc=0); Sentinel as (tag=0, pc=1); Invalid
// as (tag=-1, pc=target_delete_pc) (spec.md §3 "IBT entry").
const (
	emptyTag    int64 = 0
	invalidTag  int64 = -1
)

type entry struct {
	tag atomic.Int64
	pc  atomic.Uint64
}

// storage is one generation of backing array for a Table. Resize
// allocates a new storage and atomically publishes it; the old one is
// retired onto the dead list rather than freed immediately (spec.md
// §4.3, §9 "tables only grow").
type storage struct {
	slots      []entry
	mask       uint64
	generation uint64
}

func (s *storage) capacity() uint64 { return uint64(len(s.slots)) - 1 }

func (s *storage) hashIndex(tag addr.Tag) uint64 {
	return hashTag(tag) & s.mask
}

func hashTag(tag addr.Tag) uint64 {
	// siphash would be overkill for a table this hot; the MurmurHash3
	// fmix64 finalizer on the tag's own bits is what the generated dispatch
	// stub can reproduce cheaply. Kept intentionally simple and
	// separate from table.DefaultHash.
	x := uint64(tag)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Table is a lockless-read IBT table for one (branch type, kind) pair.
type Table struct {
	writeMu sync.Mutex // held for Add/Remove/Resize/rehash; never for Lookup

	cur atomic.Pointer[storage]

	maxCapacityBits         uint
	loadFactorPercent       uint
	rehashThresholdPercent  uint
	rehashAlways            bool
	targetDeletePC          addr.CachePC

	dead *DeadList

	entries        int
	invalidEntries int

	onResize      func(t *Table) // called after every resizeLocked
	activeThreads func() int64
}

// Config parameterizes NewTable.
type Config struct {
	Bits                   uint
	MaxCapacityBits        uint
	LoadFactorPercent      uint
	RehashThresholdPercent uint // e.g. 25
	RehashAlways           bool
	TargetDeletePC         addr.CachePC
	OnResize               func(t *Table)
}

// NewTable allocates 2^bits+1 slots, all Empty, sentinel in the last.
func NewTable(cfg Config) *Table {
	if cfg.Bits == 0 {
		cfg.Bits = 4
	}
	if cfg.MaxCapacityBits == 0 {
		cfg.MaxCapacityBits = 24
	}
	if cfg.LoadFactorPercent == 0 {
		cfg.LoadFactorPercent = 50
	}
	t := &Table{
		maxCapacityBits:        cfg.MaxCapacityBits,
		loadFactorPercent:      cfg.LoadFactorPercent,
		rehashThresholdPercent: cfg.RehashThresholdPercent,
		rehashAlways:           cfg.RehashAlways,
		targetDeletePC:         cfg.TargetDeletePC,
		dead:                   NewDeadList(),
		onResize:               cfg.OnResize,
	}
	t.cur.Store(allocStorage(cfg.Bits, 0))
	return t
}

func allocStorage(bits uint, generation uint64) *storage {
	capacity := uint64(1)<<bits + 1
	s := &storage{slots: make([]entry, capacity), mask: uint64(1)<<bits - 1, generation: generation}
	s.slots[capacity-1].pc.Store(1) // sentinel: tag=0, pc=1
	return s
}

func (s *storage) advance(idx uint64) uint64 {
	idx++
	if idx >= s.capacity() {
		return 0
	}
	return idx
}

// Lookup is the lockless read path (spec.md §4.3/§5/§9): it loads the
// current storage pointer (acquire), then probes without ever taking
// writeMu. A returned pc is either the live target or the
// target_delete_pc sentinel — testable property 4 in spec.md §8.
func (t *Table) Lookup(tag addr.Tag) (addr.CachePC, bool) {
	s := t.cur.Load()
	idx := s.hashIndex(tag)
	want := int64(tag)
	for {
		tg := s.slots[idx].tag.Load()
		if tg == emptyTag {
			pc := s.slots[idx].pc.Load()
			if pc == 0 {
				return 0, false // Empty
			}
			return 0, false // Sentinel (pc==1): end of chain, miss
		}
		if tg == want {
			return addr.CachePC(s.slots[idx].pc.Load()), true
		}
		// Occupied-but-non-matching, or Invalid: both just advance.
		idx = s.advance(idx)
	}
}

// Add inserts (tag, pc), re-checking for the tag under the write lock
// first to tolerate two threads racing to add the same target
// (spec.md §4.3 "Add must re-check ... under the write lock").
// Returns the pc actually stored (the caller's pc if this call won,
// the winner's pc if it lost the race) and whether this call inserted
// a new entry.
func (t *Table) Add(tag addr.Tag, pc addr.CachePC) (stored addr.CachePC, inserted bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	s := t.cur.Load()
	want := int64(tag)
	idx := s.hashIndex(tag)
	firstFree := int64(-1)
	for {
		tg := s.slots[idx].tag.Load()
		if tg == want {
			return addr.CachePC(s.slots[idx].pc.Load()), false
		}
		if tg == emptyTag {
			p := s.slots[idx].pc.Load()
			if p == 0 { // true Empty, not Sentinel
				if firstFree < 0 {
					firstFree = int64(idx)
				}
				break
			}
			// Sentinel: end of chain.
			if firstFree < 0 {
				firstFree = int64(idx) // unreachable in practice (sentinel never reused)
			}
			break
		}
		idx = s.advance(idx)
	}

	slotIdx := uint64(firstFree)
	// Payload before tag: a concurrent reader that matches the new tag
	// must also see the new payload.
	s.slots[slotIdx].pc.Store(uint64(pc))
	s.slots[slotIdx].tag.Store(want)
	t.entries++
	t.checkSizeLocked()
	return pc, true
}

// Remove marks tag's slot Invalid in place: it writes the payload
// (target_delete_pc) first, then the tag, so a reader already mid-match
// on the old tag still lands on a safe trampoline rather than garbage,
// and any reader arriving after both writes sees the Invalid tag and
// falls through (spec.md §4.1 "On lockless tables, removal does not
// physically shift").
func (t *Table) Remove(tag addr.Tag) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	s := t.cur.Load()
	want := int64(tag)
	idx := s.hashIndex(tag)
	for {
		tg := s.slots[idx].tag.Load()
		if tg == emptyTag {
			p := s.slots[idx].pc.Load()
			if p == 0 || p == 1 {
				return false // Empty or Sentinel: not found
			}
		}
		if tg == want {
			s.slots[idx].pc.Store(uint64(t.targetDeletePC))
			s.slots[idx].tag.Store(invalidTag)
			t.entries--
			t.invalidEntries++
			return true
		}
		idx = s.advance(idx)
	}
}

// Entries returns the current live-entry count (writer's view; callers
// needing a consistent snapshot should hold no expectation of this
// matching a concurrently-running generated-code reader's view).
func (t *Table) Entries() int {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.entries
}

// TargetDeletePC returns the trampoline pc this table nullifies into.
func (t *Table) TargetDeletePC() addr.CachePC { return t.targetDeletePC }
