package pstate

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// Registry is the process-wide directory of live ThreadStates (spec.md
// §3 "the translator maintains a registry of per-thread state for
// every thread currently running under it"). The flush coordinator
// walks a Snapshot of this registry for each flush; threads that exit
// mid-flush are handled by about_to_exit rather than by removal races
// against the snapshot itself.
type Registry struct {
	mu      sync.RWMutex
	threads map[ThreadID]*ThreadState
}

// NewRegistry returns an empty thread registry.
func NewRegistry() *Registry {
	return &Registry{threads: make(map[ThreadID]*ThreadState)}
}

// Add registers a new thread's state. Re-adding an id already present
// replaces the old entry, matching the real system's reuse of OS
// thread ids after a thread exits and a new one is created.
func (r *Registry) Add(ts *ThreadState) {
	r.mu.Lock()
	r.threads[ts.ID] = ts
	r.mu.Unlock()
}

// Remove drops a thread from the registry (called once it has fully
// exited and unwound, after about_to_exit has been observed by any
// in-flight flush).
func (r *Registry) Remove(id ThreadID) {
	r.mu.Lock()
	delete(r.threads, id)
	r.mu.Unlock()
}

// Get looks up a thread's state.
func (r *Registry) Get(id ThreadID) (*ThreadState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.threads[id]
	return ts, ok
}

// Snapshot returns every currently-registered ThreadState in a stable
// (sorted by id) order, so the flush coordinator's stage-1 walk is
// deterministic for a given registry contents — useful for tests and
// for reproducing a given interleaving.
func (r *Registry) Snapshot() []*ThreadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := maps.Keys(r.threads)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*ThreadState, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.threads[id])
	}
	return out
}

// Len returns the number of registered threads.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}
