package engine

import (
	mapset "github.com/deckarep/golang-set/v2"
)

type commuteState int

const (
	commuteOk commuteState = iota
	commuteBroken
	commuteExecuted
)

type commute struct {
	perform   func(*Tx) error
	affecting mapset.Set[Cell]
	state     commuteState
}

// EnlistCommute queues a deferred, reorderable update over the affecting
// cells. If the transaction already enlisted any of them, the commute
// degenerates and runs inline instead.
func (t *Tx) EnlistCommute(perform func(*Tx) error, affecting ...Cell) error {
	if !t.Active() {
		return NotInTransactionError
	}

	affectingSet := mapset.NewThreadUnsafeSet[Cell](affecting...)
	if t.blockCommute || setOverlaps(t.enlisted, affectingSet) {
		return perform(t)
	}

	r := t.root()
	r.commutes = append(r.commutes, commute{perform: perform, affecting: affectingSet, state: commuteOk})
	return nil
}

// EnlistStrictCommute is EnlistCommute over a single cell, with the perform
// forbidden from touching anything else. The restriction holds even when the
// commute degenerates and runs inline.
func (t *Tx) EnlistStrictCommute(perform func(*Tx) error, cell Cell) error {
	strict := func(st *Tx) error {
		prev := st.blockEnlist
		st.blockEnlist = cell
		defer func() { st.blockEnlist = prev }()

		return perform(st)
	}

	return t.EnlistCommute(strict, cell)
}

// checkCommutes degenerates queued commutes once a cell they affect gets
// enlisted directly. A commute executing here may enlist further cells; those
// nested checks inherit the current index as a floor, so no commute runs twice
// or ahead of one it depends on. A context that blocks commutes (the commute
// run itself) never degenerates the queue: it is the one executing it.
func (t *Tx) checkCommutes(c Cell) error {
	r := t.root()
	if t.blockCommute || len(r.commutes) == 0 {
		return nil
	}

	outermost := r.commuteTime == nil
	limit := len(r.commutes)
	if !outermost {
		limit = *r.commuteTime
	}

	for i := range r.commutes {
		cm := &r.commutes[i]
		if cm.state == commuteOk && cm.affecting.Contains(c) {
			cm.state = commuteBroken
		}
	}

	for i := 0; i < limit && i < len(r.commutes); i++ {
		cm := &r.commutes[i]
		if cm.state != commuteBroken {
			continue
		}
		cm.state = commuteExecuted

		floor := i
		prev := r.commuteTime
		r.commuteTime = &floor
		err := cm.perform(t)
		r.commuteTime = prev

		if err != nil {
			r.removeCommutesAffecting(c)
			return err
		}
	}

	if outermost {
		kept := r.commutes[:0]
		for _, cm := range r.commutes {
			if cm.state == commuteOk {
				kept = append(kept, cm)
			}
		}
		r.commutes = kept
	}

	return nil
}

func (t *Tx) removeCommutesAffecting(c Cell) {
	r := t.root()

	kept := r.commutes[:0]
	for _, cm := range r.commutes {
		if !cm.affecting.Contains(c) {
			kept = append(kept, cm)
		}
	}
	r.commutes = kept
}
