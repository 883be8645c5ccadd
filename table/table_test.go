package table

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func newTestTable(bits uint) *Table[uint64, uint64] {
	return New(Config[uint64, uint64]{
		Bits:              bits,
		LoadFactorPercent: 75,
		MaxCapacityBits:   10,
		Hash:              DefaultHash[uint64],
		Flags:             Shared,
	})
}

// Scenario 1 from spec.md §8: basic insert/lookup/delete.
func TestBasicInsertLookupDelete(t *testing.T) {
	tb := newTestTable(6)
	if err := tb.Add(0x1000, 0xA0); err != nil {
		t.Fatal(err)
	}
	if err := tb.Add(0x1040, 0xA1); err != nil {
		t.Fatal(err)
	}
	if err := tb.Add(0x2000, 0xA2); err != nil {
		t.Fatal(err)
	}
	if got := tb.Entries(); got != 3 {
		t.Fatalf("entries = %d, want 3", got)
	}
	if v, ok := tb.Lookup(0x1040); !ok || v != 0xA1 {
		t.Fatalf("lookup(0x1040) = %v,%v want 0xA1,true", v, ok)
	}
	if _, ok := tb.Lookup(0x1080); ok {
		t.Fatalf("lookup(0x1080) should be absent")
	}
	if removed, _ := tb.Remove(0x1040); !removed {
		t.Fatalf("remove(0x1040) should succeed")
	}
	if v, ok := tb.Lookup(0x1000); !ok || v != 0xA0 {
		t.Fatalf("lookup(0x1000) after unrelated remove = %v,%v want 0xA0,true", v, ok)
	}
}

func TestAddDuplicateIsError(t *testing.T) {
	tb := newTestTable(4)
	if err := tb.Add(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := tb.Add(1, 2); err == nil {
		t.Fatalf("expected duplicate-tag error")
	}
}

// Round-trip: add then remove returns the table to prior membership.
func TestAddRemoveRoundTrip(t *testing.T) {
	tb := newTestTable(5)
	before := snapshotKeys(tb)
	if err := tb.Add(42, 99); err != nil {
		t.Fatal(err)
	}
	tb.Remove(42)
	after := snapshotKeys(tb)
	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("table not restored to prior membership: %s", diff)
	}
}

func snapshotKeys(tb *Table[uint64, uint64]) []uint64 {
	_, entries := tb.Snapshot()
	keys := make([]uint64, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// resize preserves the set of live tags.
func TestResizePreservesEntries(t *testing.T) {
	tb := newTestTable(4)
	want := map[uint64]uint64{}
	for i := uint64(0); i < 10; i++ {
		if err := tb.Add(i*16+1, i); err != nil {
			t.Fatal(err)
		}
		want[i*16+1] = i
	}
	for k, v := range want {
		got, ok := tb.Lookup(k)
		if !ok || got != v {
			t.Fatalf("lookup(%d) = %v,%v want %v,true", k, got, ok, v)
		}
	}
}

// add at resize_threshold-1 does not resize; at resize_threshold does.
func TestResizeThresholdBoundary(t *testing.T) {
	tb := newTestTable(4) // capacity 16, threshold 12 at 75%
	bitsBefore := tb.bits
	for i := uint64(0); i < uint64(tb.resizeThreshold)-1; i++ {
		if err := tb.Add(i+1, i); err != nil {
			t.Fatal(err)
		}
	}
	if tb.bits != bitsBefore {
		t.Fatalf("resized too early: bits=%d", tb.bits)
	}
	if err := tb.Add(uint64(tb.resizeThreshold), 0); err != nil {
		t.Fatal(err)
	}
	if tb.bits != bitsBefore+1 {
		t.Fatalf("did not resize at threshold: bits=%d", tb.bits)
	}
}

// Scenario 3 from spec.md §8: probe-chain wrap on range-remove.
func TestRangeRemoveWrap(t *testing.T) {
	tb := New(Config[uint64, uint64]{
		Bits:              3, // capacity 8 + sentinel
		LoadFactorPercent: 95,
		MaxCapacityBits:   3,
		HashMaskOffset:    0,
		Hash:              func(uint64) uint64 { return 7 }, // force everything to slot 7
		Flags:             Shared,
	})
	for _, tag := range []uint64{0xE0, 0xE1, 0xE2} {
		if err := tb.Add(tag, tag); err != nil {
			t.Fatal(err)
		}
	}
	removed := tb.RangeRemove(func(k uint64) bool { return k >= 0xE0 && k < 0xE3 }, nil)
	if removed != 3 {
		t.Fatalf("range_remove removed %d, want 3", removed)
	}
	if tb.Entries() != 0 {
		t.Fatalf("entries remain after range_remove: %d", tb.Entries())
	}
}

func TestClusterLengthBound(t *testing.T) {
	tb := newTestTable(8)
	ok, max, bound := tb.CheckClusters()
	if !ok {
		t.Fatalf("empty table should satisfy cluster bound: max=%d bound=%d", max, bound)
	}
}

func TestIteratorRemoveCurrent(t *testing.T) {
	tb := newTestTable(5)
	for i := uint64(1); i <= 5; i++ {
		if err := tb.Add(i, i*10); err != nil {
			t.Fatal(err)
		}
	}
	it := tb.Iterate()
	seen := map[uint64]bool{}
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		seen[k] = true
		if k == 3 {
			it.RemoveCurrent()
		}
	}
	if len(seen) != 5 {
		t.Fatalf("iterator visited %d keys, want 5", len(seen))
	}
	if _, ok := tb.Lookup(3); ok {
		t.Fatalf("key 3 should have been removed mid-iteration")
	}
	if tb.Entries() != 4 {
		t.Fatalf("entries = %d, want 4", tb.Entries())
	}
}

func TestSnapshotResurrectReadOnly(t *testing.T) {
	tb := newTestTable(5)
	for i := uint64(1); i <= 4; i++ {
		tb.Add(i*8, i)
	}
	hdr, entries := tb.Snapshot()
	ro := LoadReadOnly(hdr, entries, DefaultHash[uint64])
	for i := uint64(1); i <= 4; i++ {
		v, ok := ro.Lookup(i * 8)
		if !ok || v != i {
			t.Fatalf("resurrected lookup(%d) = %v,%v want %v,true", i*8, v, ok, i)
		}
	}
	if err := ro.Add(999, 1); err == nil {
		t.Fatalf("expected read-only table to refuse Add")
	}
}
