package version

import (
	"runtime"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// List is the global version list: a forward-linked chain of entries anchored
// at the latest committed-or-checking entry and at the trim cursor.
type List struct {
	current    atomic.Pointer[Entry]
	oldestRead atomic.Pointer[Entry]
	trimming   atomic.Bool
}

func NewList() *List {
	base := &Entry{}
	base.state.Store(int32(StateCommitted))
	noChanges := make([]Trimmable, 0)
	base.changes.Store(&noChanges)

	l := &List{}
	l.current.Store(base)
	l.oldestRead.Store(base)
	return l
}

// ReadTicket pins every version at or below its stamp for as long as it is
// held.
type ReadTicket struct {
	entry *Entry
}

func (t ReadTicket) Stamp() uint64 {
	return t.entry.stamp
}

// ReaderTicket registers a reader on the current entry. A non-positive count
// after the increment means the trimmer already passed the entry, so the
// registration retries on a fresher one.
func (l *List) ReaderTicket() ReadTicket {
	for {
		e := l.current.Load()
		if e.readerCount.Add(1) > 0 {
			return ReadTicket{entry: e}
		}
	}
}

// UntrackedReadStamp returns the current entry without registering a reader.
// Only safe while another ticket held by the caller pins the floor.
func (l *List) UntrackedReadStamp() ReadTicket {
	return ReadTicket{entry: l.current.Load()}
}

func (l *List) ReleaseReaderTicket(t ReadTicket) {
	t.entry.readerCount.Add(-1)
}

// WriteTicket grants commit rights at its stamp. It stays in Checking state
// until Commit or Rollback finalizes it, and later conflicting writers wait on
// that transition.
type WriteTicket struct {
	entry *Entry
	list  *List
}

func (w *WriteTicket) Stamp() uint64 {
	return w.entry.stamp
}

// SetChanges records the cells that received new versions at this stamp. Must
// be called exactly once, before Commit.
func (w *WriteTicket) SetChanges(cells []Trimmable) {
	w.entry.changes.Store(&cells)
}

func (w *WriteTicket) Commit() {
	w.entry.enlisted.Store(nil)
	w.entry.state.Store(int32(StateCommitted))
	w.list.moveCurrent()
}

// Rollback finalizes the ticket without installing anything. An empty change
// set is recorded so the trimmer can advance past the entry.
func (w *WriteTicket) Rollback() {
	if w.entry.changes.Load() == nil {
		noChanges := make([]Trimmable, 0)
		w.entry.changes.Store(&noChanges)
	}
	w.entry.enlisted.Store(nil)
	w.entry.state.Store(int32(StateRolledBack))
	w.list.moveCurrent()
}

// NewVersion appends a Checking entry for a writer touching the given cells.
// The walk waits out any conflicting predecessor still in Checking state, so a
// writer never passes a predecessor it could race with.
func (l *List) NewVersion(cells, commuted mapset.Set[Trimmable]) *WriteTicket {
	e := &Entry{}
	e.enlisted.Store(&enlistment{cells: cells, commuted: commuted})

	curr := l.current.Load()
	for {
		later := curr.later.Load()
		if later != nil {
			if isConflict(e, later) {
				for later.currentState() == StateChecking {
					runtime.Gosched()
				}
			}
			curr = later
			continue
		}

		e.stamp = curr.stamp + 1
		if curr.later.CompareAndSwap(nil, e) {
			return &WriteTicket{entry: e, list: l}
		}
	}
}

func isConflict(next, prev *Entry) bool {
	if prev.currentState() != StateChecking {
		return false
	}
	pe := prev.enlisted.Load()
	if pe == nil {
		return false
	}
	ne := next.enlisted.Load()

	return overlaps(ne.cells, pe.cells) ||
		overlaps(ne.cells, pe.commuted) ||
		overlaps(ne.commuted, pe.cells) ||
		overlaps(ne.commuted, pe.commuted)
}

func overlaps(a, b mapset.Set[Trimmable]) bool {
	if a == nil || b == nil {
		return false
	}

	found := false
	a.Each(func(c Trimmable) bool {
		if b.Contains(c) {
			found = true
		}
		return found
	})

	return found
}

// moveCurrent advances the head past the contiguous run of finalized entries.
func (l *List) moveCurrent() {
	for {
		curr := l.current.Load()
		next := curr.later.Load()

		if next == nil || next.currentState() == StateChecking {
			return
		}

		l.current.CompareAndSwap(curr, next)
	}
}
