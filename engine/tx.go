package engine

import (
	mapset "github.com/deckarep/golang-set/v2"

	"stm/engine/version"
)

type sideEffect struct {
	onCommit   func()
	onRollback func()
}

// Tx is the per-transaction context. A root context is created by
// Runtime.InTransaction; sub-contexts (commute runs, isolated runs) share the
// root's commute queue and cell locals but track their own enlistments.
type Tx struct {
	rt     *Runtime
	parent *Tx

	ticket    version.ReadTicket
	ownTicket bool

	enlisted mapset.Set[Cell]

	blockEnlist     Cell
	blockCommute    bool
	enforceTracking bool

	closed bool

	// root-context state, always reached through root()
	commutes    []commute
	commuteTime *int
	sideEffects []sideEffect
	locals      map[Cell]any
	writeTicket *version.WriteTicket
	commuted    *Tx
}

func (t *Tx) root() *Tx {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Active reports whether the transaction can still enlist cells and queue
// work.
func (t *Tx) Active() bool {
	return !t.root().closed
}

// ReadStamp is the stamp of the snapshot this context reads. Commute
// sub-contexts carry a fresher stamp than the transaction they serve.
func (t *Tx) ReadStamp() uint64 {
	return t.ticket.Stamp()
}

// WriteStamp is the stamp allocated for installing new versions. Only valid
// while cells are being committed.
func (t *Tx) WriteStamp() uint64 {
	return t.root().writeTicket.Stamp()
}

// InTransaction joins the ongoing transaction. Nesting is a no-op: the action
// runs in the outer context.
func (t *Tx) InTransaction(act func(*Tx) error) error {
	if !t.Active() {
		return NotInTransactionError
	}
	return act(t)
}

// Retry asks the runtime to roll this attempt back and start over with a fresh
// stamp. Return the result straight from the transaction action.
func (t *Tx) Retry() error {
	return RetryError
}

// Enlist records that the transaction touched a cell. hasLocals is the cell's
// own statement that it already buffers state for this transaction; the
// returned flag tells the cell whether it must initialize fresh locals.
func (t *Tx) Enlist(c Cell, hasLocals bool) (bool, error) {
	if !t.Active() {
		return false, NotInTransactionError
	}
	if t.blockEnlist != nil && t.blockEnlist != c {
		return false, ForbiddenAccessError
	}
	if hasLocals && !t.enforceTracking {
		return false, nil
	}

	if t.enlisted.Add(c) {
		if err := t.checkCommutes(c); err != nil {
			return false, err
		}
	}

	return !hasLocals, nil
}

// SideEffect queues work for after the transaction resolves. Outside a
// transaction the commit effect runs inline.
func (t *Tx) SideEffect(onCommit, onRollback func()) {
	if !t.Active() {
		if onCommit != nil {
			onCommit()
		}
		return
	}

	r := t.root()
	r.sideEffects = append(r.sideEffects, sideEffect{onCommit: onCommit, onRollback: onRollback})
}

func (t *Tx) runSideEffects(committed bool) {
	for _, se := range t.root().sideEffects {
		if committed && se.onCommit != nil {
			se.onCommit()
		}
		if !committed && se.onRollback != nil {
			se.onRollback()
		}
	}
}

// Local returns the buffer the cell stashed in this transaction, if any.
func (t *Tx) Local(c Cell) (any, bool) {
	v, ok := t.root().locals[c]
	return v, ok
}

func (t *Tx) SetLocal(c Cell, v any) {
	t.root().locals[c] = v
}

func (t *Tx) DeleteLocal(c Cell) {
	delete(t.root().locals, c)
}

// IsolatedRun executes act in a sub-context that tracks every cell it touches
// even when locals already exist, then merges that enlistment back into t and
// returns it.
func (t *Tx) IsolatedRun(act func(*Tx) error) (mapset.Set[Cell], error) {
	sub := &Tx{
		rt:              t.rt,
		parent:          t,
		ticket:          t.ticket,
		enlisted:        mapset.NewThreadUnsafeSet[Cell](),
		blockEnlist:     t.blockEnlist,
		blockCommute:    t.blockCommute,
		enforceTracking: true,
	}

	err := act(sub)

	t.enlisted = t.enlisted.Union(sub.enlisted)
	return sub.enlisted, err
}

func setOverlaps(a, b mapset.Set[Cell]) bool {
	if a == nil || b == nil {
		return false
	}

	found := false
	a.Each(func(c Cell) bool {
		if b.Contains(c) {
			found = true
		}
		return found
	})

	return found
}
