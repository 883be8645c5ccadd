package ibt

import (
	"testing"

	"github.com/fragforge/fragcache/addr"
)

const testTargetDeletePC = addr.CachePC(0xDEAD)

func newTestTable() *Table {
	return NewTable(Config{
		Bits:                   4,
		MaxCapacityBits:        8,
		LoadFactorPercent:      75,
		RehashThresholdPercent: 25,
		TargetDeletePC:         testTargetDeletePC,
	})
}

// Scenario 2 from spec.md §8: IBT lockless invalidation.
func TestLocklessInvalidation(t *testing.T) {
	tb := newTestTable()
	if _, inserted := tb.Add(0x3000, 0xB0); !inserted {
		t.Fatal("add should have inserted")
	}
	if pc, ok := tb.Lookup(0x3000); !ok || pc != 0xB0 {
		t.Fatalf("lookup = %v,%v want 0xB0,true", pc, ok)
	}

	if !tb.Remove(0x3000) {
		t.Fatal("remove should find the entry")
	}

	// Property 4: a reader whose query tag matches must see either
	// the live pc or target_delete_pc, never garbage — here the tag no
	// longer matches post-removal, so lookup treats it as a miss; the
	// nullified pc is still readable directly off the slot for
	// verification.
	if _, ok := tb.Lookup(0x3000); ok {
		t.Fatal("lookup after remove should report absent (invalid tag doesn't match)")
	}

	s := tb.cur.Load()
	idx := s.hashIndex(0x3000)
	for s.slots[idx].tag.Load() != invalidTag {
		idx = s.advance(idx)
	}
	if pc := s.slots[idx].pc.Load(); addr.CachePC(pc) != testTargetDeletePC {
		t.Fatalf("invalidated slot pc = %#x, want target_delete_pc %#x", pc, testTargetDeletePC)
	}
}

func TestAddRaceSameTagIdempotent(t *testing.T) {
	tb := newTestTable()
	pc1, ins1 := tb.Add(0x5000, 0x10)
	pc2, ins2 := tb.Add(0x5000, 0x20)
	if !ins1 || ins2 {
		t.Fatalf("second add of the same tag should not insert: ins1=%v ins2=%v", ins1, ins2)
	}
	if pc1 != pc2 {
		t.Fatalf("racing adds disagree on stored pc: %v vs %v", pc1, pc2)
	}
}

func TestResizePreservesReachability(t *testing.T) {
	tb := newTestTable()
	want := map[addr.Tag]addr.CachePC{}
	for i := addr.Tag(1); i <= 20; i++ {
		pc := addr.CachePC(i * 16)
		tb.Add(i*0x100, pc)
		want[i*0x100] = pc
	}
	for tag, pc := range want {
		got, ok := tb.Lookup(tag)
		if !ok || got != pc {
			t.Fatalf("lookup(%#x) = %v,%v want %v,true", tag, got, ok, pc)
		}
	}
}

func TestResizeNullifiesOldGeneration(t *testing.T) {
	tb := newTestTable()
	tb.Add(0x1000, 0xAA)
	old := tb.cur.Load()
	oldIdx := old.hashIndex(0x1000)

	// Force a resize by crossing the load threshold.
	for i := addr.Tag(2); i < 30; i++ {
		tb.Add(i*8, addr.CachePC(i))
	}

	if old == tb.cur.Load() {
		t.Fatal("expected a resize to have occurred")
	}
	if pc := old.slots[oldIdx].pc.Load(); addr.CachePC(pc) != testTargetDeletePC {
		t.Fatalf("old generation's live slot not nullified: pc=%#x", pc)
	}
	if got, ok := tb.Lookup(0x1000); !ok || got != 0xAA {
		t.Fatalf("entry must still be reachable in new generation: got=%v ok=%v", got, ok)
	}
}

func TestObserverDecrementsOnCatchup(t *testing.T) {
	tb := newTestTable()
	tb.SetActiveThreadCounter(func() int64 { return 1 })
	obs := NewObserver()
	tb.Catchup(obs) // initializes without decrementing

	tb.Add(0x1000, 0xAA)
	for i := addr.Tag(2); i < 13; i++ {
		tb.Add(i*8, addr.CachePC(i))
	}
	if tb.dead.generationCount() != 1 {
		t.Fatalf("expected exactly one retired generation, got %d", tb.dead.generationCount())
	}
	tb.Catchup(obs)
	if tb.dead.generationCount() != 0 {
		t.Fatalf("catchup should have drained the retired generation, got %d left", tb.dead.generationCount())
	}
}

func TestRehashReclaimsInvalidEntries(t *testing.T) {
	tb := NewTable(Config{
		Bits:                   6,
		MaxCapacityBits:        6, // growth disabled: only rehash can reclaim
		LoadFactorPercent:      90,
		RehashThresholdPercent: 10,
		TargetDeletePC:         testTargetDeletePC,
	})
	var tags []addr.Tag
	for i := addr.Tag(1); i <= 10; i++ {
		tb.Add(i*4, addr.CachePC(i))
		tags = append(tags, i*4)
	}
	for _, tag := range tags {
		tb.Remove(tag)
	}
	// One more add should trip maybeRehashLocked and drop the
	// tombstones, reclaiming probe-chain length.
	tb.Add(0xFFFF, 0x1)
	if tb.invalidEntries != 0 {
		t.Fatalf("expected rehash to clear invalid entries, got %d", tb.invalidEntries)
	}
}
