package ibt

import "sync"

// deadRecord is one retired storage generation awaiting drain (spec.md
// §3 "Dead-IBT-table record": { storage_base, capacity, flags,
// ref_count, next } in a FIFO; freed when ref_count reaches zero).
type deadRecord struct {
	s        *storage
	refCount int64
	next     *deadRecord
}

// DeadList is the FIFO of retired IBT table storage, ranked below all
// table rwlocks per spec.md §5's locking discipline.
type DeadList struct {
	mu   sync.Mutex
	head *deadRecord
	tail *deadRecord
}

// NewDeadList constructs an empty FIFO.
func NewDeadList() *DeadList { return &DeadList{} }

// Retire enqueues s with an initial reference count equal to the
// number of threads that must still observe the generation swap
// before it can be freed. A refCount of zero frees immediately (no
// threads to wait on — e.g. a single-threaded tool using this
// package).
func (d *DeadList) Retire(s *storage, refCount int64) {
	r := &deadRecord{s: s, refCount: refCount}
	d.mu.Lock()
	if refCount <= 0 {
		d.mu.Unlock()
		return
	}
	if d.tail == nil {
		d.head, d.tail = r, r
	} else {
		d.tail.next = r
		d.tail = r
	}
	d.mu.Unlock()
}

// generationCount reports how many generations are currently retired
// but not yet fully drained (test/diagnostic use).
func (d *DeadList) generationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for r := d.head; r != nil; r = r.next {
		n++
	}
	return n
}

// decrementGeneration finds the retired record for generation gen and
// decrements its reference count by one; when it reaches zero the
// record is unlinked from the FIFO and its storage becomes eligible
// for garbage collection (Go frees it naturally once unreferenced —
// there is no manual free() to call, unlike the original C design).
// Records are typically retired in FIFO order and drained in the same
// order, so this walks from the head.
func (d *DeadList) decrementGeneration(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var prev *deadRecord
	for r := d.head; r != nil; r = r.next {
		if r.s.generation == gen {
			r.refCount--
			if r.refCount <= 0 {
				if prev == nil {
					d.head = r.next
				} else {
					prev.next = r.next
				}
				if r == d.tail {
					d.tail = prev
				}
			}
			return
		}
		prev = r
	}
}

// newestGeneration returns the generation number of the current
// (non-retired) storage, used by Observer to decide whether a catch-up
// is needed.
func (t *Table) newestGeneration() uint64 {
	return t.cur.Load().generation
}
