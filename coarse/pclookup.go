package coarse

import "github.com/fragforge/fragcache/addr"

// PCLookup resolves a code-cache pc to the (tag, body_pc) it
// translates, consulting the bounded recent-pc cache first (spec.md
// §4.5 "A small bounded recent_pc -> (tag, body_pc) cache accelerates
// repeat pc-lookups"; spec.md §8 scenario 5). On a cache miss it falls
// back to the reverse table (built lazily via BuildReverse if not
// already present) and remembers the result.
func (u *Unit) PCLookup(pc addr.CachePC) (tag addr.Tag, bodyPC addr.CachePC, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if hit, found := u.recentPC[pc]; found {
		return hit.Tag, hit.BodyPC, true
	}

	if u.reverse == nil {
		u.buildReverseLocked()
	}
	t, found := u.reverse.Lookup(pc)
	if !found {
		return 0, 0, false
	}

	entry := pcCacheEntry{Tag: t, BodyPC: pc}
	u.rememberRecentLocked(pc, entry)
	return t, pc, true
}

// rememberRecentLocked inserts into the recent-pc cache, clearing it
// outright once it would exceed recentPCLimit distinct entries rather
// than evicting LRU-style (spec.md §4.5 "when the cache exceeds a
// fixed threshold it is cleared (rather than using LRU)").
func (u *Unit) rememberRecentLocked(pc addr.CachePC, entry pcCacheEntry) {
	if len(u.recentPC) >= u.recentPCLimit {
		u.recentPC = make(map[addr.CachePC]pcCacheEntry)
	}
	u.recentPC[pc] = entry
}

// buildReverseLocked is BuildReverse's body, callable while u.mu is
// already held for writing (PCLookup's lazy-build path).
func (u *Unit) buildReverseLocked() {
	u.reverse = newReverseTable()
	it := u.main.Iterate()
	for {
		t, off, ok := it.Next()
		if !ok {
			break
		}
		pc := u.ResolveCachePC(off)
		_ = u.reverse.Add(pc, t)
	}
}

// RecentCacheSize reports how many distinct pcs the recent-pc cache
// currently holds, for tests and diagnostics.
func (u *Unit) RecentCacheSize() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.recentPC)
}
