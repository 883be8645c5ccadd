package pstate

import (
	"fmt"

	"github.com/fragforge/fragcache/addr"
)

// TracePhase is the trace-building state machine's discriminant
// (SPEC_FULL.md §9 "Coroutine-style control flow": Idle /
// Building{start_tag, blocks[], vmlist} / Aborting).
type TracePhase int

const (
	TraceIdle TracePhase = iota
	TraceBuilding
	TraceAborting
)

func (p TracePhase) String() string {
	switch p {
	case TraceIdle:
		return "Idle"
	case TraceBuilding:
		return "Building"
	case TraceAborting:
		return "Aborting"
	default:
		return "Unknown"
	}
}

// TraceBuildState holds the accumulating trace-under-construction for
// one thread. Every thread has exactly one, reachable only from its
// own ThreadState, so no locking is needed beyond what the caller
// already does by only ever touching its own thread's state.
type TraceBuildState struct {
	phase    TracePhase
	startTag addr.Tag
	blocks   []addr.Tag
	vmlist   []addr.Tag // distinct VM areas touched by the blocks collected so far
}

// Phase reports the current state.
func (ts *ThreadState) Phase() TracePhase { return ts.trace.phase }

// BeginTrace transitions Idle -> Building, recording the trace head's
// tag as the key the eventual fragment.Create call will use (spec.md
// §4.4 "a trace begins at a trace head (IS_TRACE_HEAD fragment)").
func (ts *ThreadState) BeginTrace(head addr.Tag) error {
	if ts.trace.phase != TraceIdle {
		return fmt.Errorf("pstate: BeginTrace: already in phase %s", ts.trace.phase)
	}
	ts.trace = TraceBuildState{phase: TraceBuilding, startTag: head, blocks: []addr.Tag{head}}
	return nil
}

// AppendBlock adds one more block to a trace under construction,
// tracking which VM area it belongs to for the eventual trace
// fragment's VMAreaLinks registration.
func (ts *ThreadState) AppendBlock(tag addr.Tag, vmArea addr.Tag) error {
	if ts.trace.phase != TraceBuilding {
		return fmt.Errorf("pstate: AppendBlock: not building (phase %s)", ts.trace.phase)
	}
	ts.trace.blocks = append(ts.trace.blocks, tag)
	for _, v := range ts.trace.vmlist {
		if v == vmArea {
			return nil
		}
	}
	ts.trace.vmlist = append(ts.trace.vmlist, vmArea)
	return nil
}

// AbortTrace transitions Building -> Aborting, e.g. because a block in the
// trace body turned out to already be a trace head itself (spec.md §7
// "Trace extension hits an existing trace: abort the extension, keep
// both fragments").
func (ts *ThreadState) AbortTrace() error {
	if ts.trace.phase != TraceBuilding {
		return fmt.Errorf("pstate: AbortTrace: not building (phase %s)", ts.trace.phase)
	}
	ts.trace.phase = TraceAborting
	return nil
}

// CompleteTrace finalizes the in-progress trace, returning its blocks
// and touched VM areas for the caller (the root package's trace
// emitter) to hand to fragment.Create, then resets to Idle regardless
// of whether it was Building or Aborting.
func (ts *ThreadState) CompleteTrace() (startTag addr.Tag, blocks []addr.Tag, vmlist []addr.Tag, err error) {
	if ts.trace.phase == TraceIdle {
		return 0, nil, nil, fmt.Errorf("pstate: CompleteTrace: nothing in progress")
	}
	startTag, blocks, vmlist = ts.trace.startTag, ts.trace.blocks, ts.trace.vmlist
	ts.trace = TraceBuildState{}
	return startTag, blocks, vmlist, nil
}

// ResetTrace discards any in-progress trace unconditionally, used on
// about_to_exit and on flush-triggered abort of trace building (spec.md
// §5 "about_to_exit ... discard any in-progress non-persistent work").
func (ts *ThreadState) ResetTrace() {
	ts.trace = TraceBuildState{}
}
