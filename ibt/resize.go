package ibt

import "github.com/fragforge/fragcache/addr"

// checkSizeLocked is called with writeMu held after Add. Mirrors
// table.checkSizeLocked: grow while under max capacity, otherwise
// fall back to rehashing away accumulated Invalid tombstones (spec.md
// §4.3 "same-capacity rehash ... reclaims probe-chain length").
func (t *Table) checkSizeLocked() {
	s := t.cur.Load()
	threshold := int(s.capacity()) * int(t.loadFactorPercent) / 100
	bits := bitsOf(s.capacity())
	if t.entries >= threshold && bits < t.maxCapacityBits {
		t.resizeLocked(bits + 1)
		return
	}
	t.maybeRehashLocked()
}

func bitsOf(capacity uint64) uint {
	b := uint(0)
	for uint64(1)<<b < capacity {
		b++
	}
	return b
}

// maybeRehashLocked implements the open question left deliberately
// configurable by spec.md §9: a same-capacity rehash triggers either
// when RehashAlways is set, or when invalid tombstones cross
// RehashThresholdPercent of capacity — neither is hard-coded as "the"
// production default.
func (t *Table) maybeRehashLocked() {
	s := t.cur.Load()
	if t.invalidEntries == 0 {
		return
	}
	trigger := t.rehashAlways
	if !trigger && t.rehashThresholdPercent > 0 {
		pct := t.invalidEntries * 100 / int(s.capacity())
		trigger = pct >= int(t.rehashThresholdPercent)
	}
	if trigger {
		t.resizeLocked(bitsOf(s.capacity()))
	}
}

// resizeLocked allocates a new generation at newBits, copies every
// live (non-Invalid, non-Empty) entry across, nullifies the old
// storage's live slots in place so in-flight lockless readers still
// land safely, publishes the new storage, and retires the old one
// onto the dead list with a refcount equal to the number of threads
// that must still observe the swap (spec.md §4.3, §5 publication
// order: "store new table pointer, then store-release mask" — in Go
// this is a single atomic.Pointer Store, which already has release
// semantics paired with the Load's acquire semantics in Lookup).
func (t *Table) resizeLocked(newBits uint) {
	old := t.cur.Load()
	next := allocStorage(newBits, old.generation+1)

	for i := uint64(0); i < old.capacity(); i++ {
		tg := old.slots[i].tag.Load()
		if tg == emptyTag || tg == invalidTag {
			continue
		}
		pc := old.slots[i].pc.Load()
		insertInto(next, addr.Tag(tg), addr.CachePC(pc))
	}

	// Nullify old storage's live slots in place: any thread still
	// mid-probe against `old` lands on the trampoline instead of a
	// vanished target. Invalid slots are left untouched (they already
	// steer readers to fall through); Empty/Sentinel need no change.
	for i := uint64(0); i < old.capacity(); i++ {
		tg := old.slots[i].tag.Load()
		if tg == emptyTag || tg == invalidTag {
			continue
		}
		old.slots[i].pc.Store(uint64(t.targetDeletePC))
	}

	t.entries = countLive(next)
	t.invalidEntries = 0

	t.cur.Store(next)
	t.dead.Retire(old, t.activeThreadHint())

	if t.onResize != nil {
		t.onResize(t)
	}
}

func insertInto(s *storage, tag addr.Tag, pc addr.CachePC) {
	idx := s.hashIndex(tag)
	for {
		if s.slots[idx].tag.Load() == emptyTag && s.slots[idx].pc.Load() == 0 {
			s.slots[idx].pc.Store(uint64(pc))
			s.slots[idx].tag.Store(int64(tag))
			return
		}
		idx = s.advance(idx)
	}
}

func countLive(s *storage) int {
	n := 0
	for i := uint64(0); i < s.capacity(); i++ {
		if s.slots[i].tag.Load() != emptyTag {
			n++
		}
	}
	return n
}

// activeThreadHint lets callers that track the live thread count wire
// it in via SetActiveThreadCounter; defaulting to 1 keeps single-threaded
// tests and tools usable without a pstate.Registry in the loop.
func (t *Table) activeThreadHint() int64 {
	if t.activeThreads != nil {
		return t.activeThreads()
	}
	return 1
}

// SetActiveThreadCounter lets the owning Context wire in a live count
// of threads that must observe a resize before the retired storage can
// be freed (flush.Coordinator / pstate.Registry own the authoritative
// count; ibt only needs a callback).
func (t *Table) SetActiveThreadCounter(f func() int64) { t.activeThreads = f }
