package version

import (
	"math"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

type State int32

const (
	StateChecking State = iota
	StateCommitted
	StateRolledBack
)

// Trimmable is the one capability the version list needs from a cell: dropping
// historical copies whose validity ended at or before a stamp.
type Trimmable interface {
	TrimCopies(upTo uint64)
}

// tombstone in a reader count marks an entry the trimmer has passed. No further
// readers may register on it.
const tombstone = math.MinInt64

type enlistment struct {
	cells    mapset.Set[Trimmable]
	commuted mapset.Set[Trimmable]
}

// Entry is a node of the version list. The stamp is assigned right before the
// entry is published and never changes afterwards. The enlistment is cleared
// once the writer finalizes, the changes pointer flips from nil exactly once
// when the writer records its installed cells.
type Entry struct {
	stamp       uint64
	state       atomic.Int32
	readerCount atomic.Int64
	enlisted    atomic.Pointer[enlistment]
	changes     atomic.Pointer[[]Trimmable]
	later       atomic.Pointer[Entry]
}

func (e *Entry) Stamp() uint64 {
	return e.stamp
}

func (e *Entry) currentState() State {
	return State(e.state.Load())
}
