package shielded

import (
	"sync/atomic"

	"stm/engine"
	"stm/engine/version"
)

// node is one committed copy of the cell's content, newest first.
type node[T any] struct {
	stamp uint64
	value T
	older atomic.Pointer[node[T]]
}

// local is the transaction-private buffer.
type local[T any] struct {
	value   T
	written bool
}

// Shielded is a mutable cell usable only through transactions. Readers walk
// the copy chain to the newest version at or below their stamp; writers buffer
// into transaction locals until commit installs a new copy.
type Shielded[T any] struct {
	head atomic.Pointer[node[T]]
}

func New[T any](initial T) *Shielded[T] {
	s := &Shielded[T]{}
	s.head.Store(&node[T]{value: initial})
	return s
}

// Read returns the cell's value as the transaction sees it: its own buffered
// write if present, the snapshot version otherwise.
func (s *Shielded[T]) Read(t *engine.Tx) (T, error) {
	loc, err := s.enlist(t)
	if err != nil {
		var zero T
		return zero, err
	}

	if loc.written {
		return loc.value, nil
	}
	return s.find(t.ReadStamp()).value, nil
}

// Write buffers a new value. Nothing is visible outside the transaction until
// it commits.
func (s *Shielded[T]) Write(t *engine.Tx, value T) error {
	loc, err := s.enlist(t)
	if err != nil {
		return err
	}

	loc.value = value
	loc.written = true
	return nil
}

// Modify applies f to the current value and writes the result.
func (s *Shielded[T]) Modify(t *engine.Tx, f func(T) T) error {
	v, err := s.Read(t)
	if err != nil {
		return err
	}
	return s.Write(t, f(v))
}

// Commute defers f until commit time, letting transactions that only commute
// over this cell commit without conflicting with each other. It degenerates to
// an inline Modify if the transaction reads or writes the cell directly.
func (s *Shielded[T]) Commute(t *engine.Tx, f func(T) T) error {
	return t.EnlistStrictCommute(func(sub *engine.Tx) error {
		return s.Modify(sub, f)
	}, s)
}

func (s *Shielded[T]) enlist(t *engine.Tx) (*local[T], error) {
	existing, hasLocals := t.Local(s)
	if _, err := t.Enlist(s, hasLocals); err != nil {
		return nil, err
	}

	if hasLocals {
		return existing.(*local[T]), nil
	}

	// enlisting may have degenerated a commute that already buffered a write
	if v, ok := t.Local(s); ok {
		return v.(*local[T]), nil
	}

	loc := &local[T]{}
	t.SetLocal(s, loc)
	return loc, nil
}

func (s *Shielded[T]) find(stamp uint64) *node[T] {
	n := s.head.Load()
	for n != nil && n.stamp > stamp {
		n = n.older.Load()
	}
	return n
}

func (s *Shielded[T]) HasChanges(t *engine.Tx) bool {
	v, ok := t.Local(s)
	return ok && v.(*local[T]).written
}

// CanCommit succeeds while nobody installed a version newer than the
// transaction's read stamp.
func (s *Shielded[T]) CanCommit(t *engine.Tx, w *version.WriteTicket) bool {
	return s.head.Load().stamp <= t.ReadStamp()
}

// Commit installs the buffered write as a new copy at the transaction's write
// stamp. Same-cell writers are serialized by the commit pipeline, so a plain
// store of the head suffices.
func (s *Shielded[T]) Commit(t *engine.Tx) {
	v, ok := t.Local(s)
	if !ok {
		return
	}

	loc := v.(*local[T])
	if loc.written {
		n := &node[T]{stamp: t.WriteStamp(), value: loc.value}
		n.older.Store(s.head.Load())
		s.head.Store(n)
	}

	t.DeleteLocal(s)
}

func (s *Shielded[T]) Rollback(t *engine.Tx) {
	t.DeleteLocal(s)
}

// TrimCopies drops every copy older than the newest one still reachable from
// a stamp of upTo.
func (s *Shielded[T]) TrimCopies(upTo uint64) {
	if n := s.find(upTo); n != nil {
		n.older.Store(nil)
	}
}
