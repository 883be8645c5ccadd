package coarse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fragforge/fragcache/addr"
)

func smallCfg() Config {
	return Config{Bits: 4, MaxCapacityBits: 16, LoadFactorPercent: 75, RecentPCLimit: 4}
}

func TestMainAndTraceHeadLookup(t *testing.T) {
	u := NewUnit("libfoo.so", smallCfg())
	if err := u.AddMain(0x1000, 0x40); err != nil {
		t.Fatal(err)
	}
	if err := u.AddTraceHead(0x1000, 0x80); err != nil {
		t.Fatal(err)
	}

	pc, ok := u.Lookup(0x1000)
	if !ok || pc != addr.CachePC(0x40) {
		t.Fatalf("Lookup = (%#x, %v), want (0x40, true)", pc, ok)
	}
	stubPC, ok := u.LookupTraceHead(0x1000)
	if !ok || stubPC != addr.CachePC(0x80) {
		t.Fatalf("LookupTraceHead = (%#x, %v), want (0x80, true)", stubPC, ok)
	}

	if _, ok := u.Lookup(0x2000); ok {
		t.Fatal("expected a miss for an unregistered tag")
	}
}

func TestModShiftAppliedBeforeLookup(t *testing.T) {
	u := NewUnit("libfoo.so", smallCfg())
	// Entry was recorded under the unit's original (pre-relocation)
	// tag space.
	if err := u.AddMain(0x5000, 0x10); err != nil {
		t.Fatal(err)
	}
	// The unit has since been relocated: a runtime tag of 0x5100 must
	// shift by -0x100 to find the entry recorded at 0x5000.
	u.ModShift = -0x100
	pc, ok := u.Lookup(0x5100)
	if !ok || pc != addr.CachePC(0x10) {
		t.Fatalf("shifted Lookup = (%#x, %v), want (0x10, true)", pc, ok)
	}
}

func TestFrozenOffsetsAreRelativeToBase(t *testing.T) {
	u := NewUnit("libfoo.so", smallCfg())
	_ = u.AddMain(0x1000, 0x40)
	u.Frozen = true
	u.BaseAddr = 0x800000

	pc, ok := u.Lookup(0x1000)
	if !ok || pc != addr.CachePC(0x800040) {
		t.Fatalf("frozen Lookup = (%#x, %v), want (0x800040, true)", pc, ok)
	}
}

// Scenario 5 from spec.md §8: coarse pc lookup caching.
func TestPCLookupCachingAndClearThreshold(t *testing.T) {
	u := NewUnit("libfoo.so", smallCfg()) // RecentPCLimit = 4 for a fast test
	const tag = addr.Tag(0x6000)
	const bodyPC = addr.CachePC(0x30)
	if err := u.AddMain(tag, uint64(bodyPC)); err != nil {
		t.Fatal(err)
	}

	gotTag, gotPC, ok := u.PCLookup(bodyPC)
	if !ok || gotTag != tag || gotPC != bodyPC {
		t.Fatalf("first PCLookup = (%#x, %#x, %v), want (%#x, %#x, true)", gotTag, gotPC, ok, tag, bodyPC)
	}
	if u.RecentCacheSize() != 1 {
		t.Fatalf("recent cache size = %d, want 1 after first lookup", u.RecentCacheSize())
	}

	// Second lookup of the same pc must be served from cache (no new
	// reverse-table walk needed; behaviourally indistinguishable here,
	// but the cache size must not grow for a repeat key).
	_, _, ok = u.PCLookup(bodyPC)
	if !ok {
		t.Fatal("second lookup should still hit")
	}
	if u.RecentCacheSize() != 1 {
		t.Fatalf("recent cache size after repeat lookup = %d, want 1", u.RecentCacheSize())
	}

	// Distinct-pc queries below the cache's configured limit accumulate.
	_, _, _ = u.PCLookup(bodyPC + 1) // miss: not in reverse table, cache untouched
	if u.RecentCacheSize() != 1 {
		t.Fatalf("a miss should not grow the recent cache")
	}

	// Fill past RecentPCLimit (4) with hits against distinct main
	// entries to force the clear-on-threshold path.
	for i := uint64(1); i <= 5; i++ {
		tg := addr.Tag(0x7000 + i)
		pc := addr.CachePC(0x50 + i)
		_ = u.AddMain(tg, uint64(pc))
		u.BuildReverse() // new entries need to be visible to PCLookup's reverse table
		if _, _, ok := u.PCLookup(pc); !ok {
			t.Fatalf("expected a hit for freshly added tag %#x", tg)
		}
	}
	if u.RecentCacheSize() > 4 {
		t.Fatalf("recent cache grew past its limit: %d entries", u.RecentCacheSize())
	}
}

func TestFreezeWalkCopiesAndElides(t *testing.T) {
	src := []PendingFreeze{
		{Tag: 0x100, CurPC: 0x1000, LinkSite: 0x900},
		{Tag: 0x200, CurPC: 0x1040, LinkSite: 0x901, Elidable: true},
	}
	fs := fakeFreezeSource{entries: src}
	em := &fakeEmitter{}
	dst := NewUnit("frozen.so", smallCfg())

	Freeze(dst, 0x500000, fs, em)

	if !dst.Frozen {
		t.Fatal("destination unit should be marked frozen")
	}
	if dst.BaseAddr != 0x500000 {
		t.Fatalf("BaseAddr = %#x, want 0x500000", dst.BaseAddr)
	}
	if len(em.copiedBodies) != 2 {
		t.Fatalf("copied %d bodies, want 2", len(em.copiedBodies))
	}
	for _, tag := range []addr.Tag{0x100, 0x200} {
		if _, ok := dst.Lookup(tag); !ok {
			t.Fatalf("tag %#x missing from frozen unit's main table", tag)
		}
	}
}

type fakeFreezeSource struct{ entries []PendingFreeze }

func (f fakeFreezeSource) LiveEntries() []PendingFreeze { return f.entries }

type fakeEmitter struct {
	copiedBodies []addr.Tag
	patched      []addr.CachePC
	elided       []addr.CachePC
	next         uint64
}

func (e *fakeEmitter) CopyBody(dest *Unit, tag addr.Tag, srcPC addr.CachePC) uint64 {
	e.copiedBodies = append(e.copiedBodies, tag)
	off := e.next
	e.next += 0x40
	return off
}

func (e *fakeEmitter) CopyStub(dest *Unit, tag addr.Tag, srcPC addr.CachePC) uint64 {
	off := e.next
	e.next += 0x10
	return off
}

func (e *fakeEmitter) PatchLinkSite(linkSite, newTarget addr.CachePC) {
	e.patched = append(e.patched, linkSite)
}

func (e *fakeEmitter) ElideBranch(pc addr.CachePC) {
	e.elided = append(e.elided, pc)
}

func TestPersistResurrectRoundTrip(t *testing.T) {
	u := NewUnit("libfoo.so", smallCfg())
	for i := uint64(0); i < 50; i++ {
		if err := u.AddMain(addr.Tag(0x10000+i), 0x40+i); err != nil {
			t.Fatal(err)
		}
	}
	if err := u.AddTraceHead(0x10000, 0x80); err != nil {
		t.Fatal(err)
	}
	u.ModShift = 0x10
	u.BaseAddr = 0x900000

	dir := t.TempDir()
	path := filepath.Join(dir, "unit.img")
	if err := Persist(u, path); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Fatalf("expected a non-empty persisted image: %v", err)
	}

	back, err := Resurrect("libfoo.so", path, smallCfg())
	if err != nil {
		t.Fatal(err)
	}
	if !back.Frozen {
		t.Fatal("resurrected unit should be frozen")
	}
	if back.BaseAddr != 0x900000 {
		t.Fatalf("BaseAddr = %#x, want 0x900000", back.BaseAddr)
	}
	if back.ModShift != 0x10 {
		t.Fatalf("ModShift = %d, want 0x10", back.ModShift)
	}
	mainN, thN := back.Entries()
	if mainN != 50 || thN != 1 {
		t.Fatalf("entries = (%d, %d), want (50, 1)", mainN, thN)
	}

	// Verify a couple of tags resolve to their frozen (base-relative)
	// addresses, after accounting for the persisted ModShift.
	pc, ok := back.Lookup(addr.Tag(0x10000 - 0x10))
	if !ok {
		t.Fatal("expected lookup to succeed after round trip")
	}
	if pc != addr.CachePC(0x900000+0x40) {
		t.Fatalf("resurrected Lookup pc = %#x, want %#x", pc, 0x900000+0x40)
	}
}

func TestResurrectRejectsIncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.img")
	buf := make([]byte, headerSize)
	// Leave Version field (bytes [16:20]) as zero, which never matches
	// CurrentVersion.
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Resurrect("libfoo.so", path, smallCfg()); err == nil {
		t.Fatal("expected version-mismatch error")
	}
}
