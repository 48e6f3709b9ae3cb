package engine

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"

	"stm/engine/version"
)

// InTransaction runs act atomically, retrying with a fresh read stamp whenever
// act asks for a retry or commit validation fails. Any other error rolls the
// attempt back and surfaces.
func (rt *Runtime) InTransaction(act func(*Tx) error) error {
	for {
		committed, err := rt.attempt(act)
		if err != nil {
			if errors.Is(err, RetryError) {
				continue
			}
			return err
		}
		if committed {
			return nil
		}
	}
}

func (rt *Runtime) attempt(act func(*Tx) error) (bool, error) {
	t := rt.newTx()
	defer func() {
		if t.Active() {
			rt.doRollback(t)
		}
	}()

	if err := act(t); err != nil {
		return false, err
	}

	return rt.doCommit(t)
}

func (rt *Runtime) doCommit(t *Tx) (bool, error) {
	hasChanges := len(t.commutes) > 0
	if !hasChanges {
		t.enlisted.Each(func(c Cell) bool {
			hasChanges = c.HasChanges(t)
			return hasChanges
		})
	}

	if !hasChanges {
		t.enlisted.Each(func(c Cell) bool {
			c.Commit(t)
			return false
		})
		rt.closeTransaction(t)
		t.runSideEffects(true)
		rt.maybeTrim()
		return true, nil
	}

	ok, err := rt.commitCheck(t)
	if err != nil {
		// the deferred rollback in attempt cleans up
		return false, err
	}
	if !ok {
		rt.closeTransaction(t)
		t.runSideEffects(false)
		rt.maybeTrim()
		return false, nil
	}

	all := t.enlisted
	if t.commuted != nil {
		all = all.Union(t.commuted.enlisted)
	}

	var changed []Cell
	all.Each(func(c Cell) bool {
		if c.HasChanges(t) {
			changed = append(changed, c)
		}
		c.Commit(t)
		return false
	})

	trimmables := make([]version.Trimmable, len(changed))
	for i, c := range changed {
		trimmables[i] = c
	}
	t.writeTicket.SetChanges(trimmables)
	t.writeTicket.Commit()

	rt.closeTransaction(t)
	t.runSideEffects(true)
	for _, hook := range rt.postCommitHooks(changed) {
		hook()
	}
	rt.maybeTrim()
	return true, nil
}

// commitCheck validates the attempt against a freshly allocated write stamp,
// under the global stamp lock. Commuted cells validate first, against the
// commute sub-context's fresher stamp; a failure there only re-runs the
// commutes, while a stale main enlistment fails the whole attempt.
func (rt *Runtime) commitCheck(t *Tx) (bool, error) {
	if err := rt.runPreCommit(t); err != nil {
		return false, err
	}

	brokeInCommutes := len(t.commutes) > 0
	for {
		var commutedSet mapset.Set[Cell]
		if brokeInCommutes {
			commuted, err := rt.runCommutes(t)
			if err != nil {
				return false, err
			}
			t.commuted = commuted

			if setOverlaps(t.enlisted, commuted.enlisted) {
				return false, InvalidCommuteError
			}
			commutedSet = commuted.enlisted
		}

		rt.stampLock.Lock()

		cells := toTrimmables(t.enlisted)
		var commutedTrimmables mapset.Set[version.Trimmable]
		if commutedSet != nil {
			commutedTrimmables = toTrimmables(commutedSet)
			cells = cells.Union(commutedTrimmables)
		}
		w := rt.versions.NewVersion(cells, commutedTrimmables)
		t.writeTicket = w

		failedCommuted := false
		if commutedSet != nil {
			commutedSet.Each(func(c Cell) bool {
				failedCommuted = !c.CanCommit(t.commuted, w)
				return failedCommuted
			})
		}

		failedMain := false
		if !failedCommuted {
			t.enlisted.Each(func(c Cell) bool {
				failedMain = !c.CanCommit(t, w)
				return failedMain
			})
		}

		if !failedCommuted && !failedMain {
			rt.stampLock.Unlock()
			return true, nil
		}

		w.Rollback()
		t.writeTicket = nil
		rt.stampLock.Unlock()

		if failedCommuted {
			// only the commuted cells went stale; re-run them on a fresh stamp
			rt.discardCommuted(t)
			continue
		}

		rt.discardCommuted(t)
		t.enlisted.Each(func(c Cell) bool {
			c.Rollback(t)
			return false
		})
		return false, nil
	}
}

// runCommutes executes the queued commutes in a sub-context pinned to the
// latest committed stamp. A retry from inside a commute refreshes the stamp
// and starts the whole queue over.
func (rt *Runtime) runCommutes(t *Tx) (*Tx, error) {
	r := t.root()
	for {
		sub := &Tx{
			rt:              rt,
			parent:          r,
			ticket:          rt.versions.ReaderTicket(),
			ownTicket:       true,
			enlisted:        mapset.NewThreadUnsafeSet[Cell](),
			blockCommute:    true,
			enforceTracking: true,
		}

		var err error
		for i := range r.commutes {
			if err = r.commutes[i].perform(sub); err != nil {
				break
			}
		}
		if err == nil {
			return sub, nil
		}

		sub.enlisted.Each(func(c Cell) bool {
			c.Rollback(sub)
			return false
		})
		rt.versions.ReleaseReaderTicket(sub.ticket)
		sub.ownTicket = false

		if errors.Is(err, RetryError) {
			continue
		}
		return nil, err
	}
}

func (rt *Runtime) discardCommuted(t *Tx) {
	if t.commuted == nil {
		return
	}

	sub := t.commuted
	sub.enlisted.Each(func(c Cell) bool {
		c.Rollback(sub)
		return false
	})
	if sub.ownTicket {
		rt.versions.ReleaseReaderTicket(sub.ticket)
		sub.ownTicket = false
	}
	t.commuted = nil
}

func (rt *Runtime) doRollback(t *Tx) {
	all := t.enlisted
	if t.commuted != nil {
		all = all.Union(t.commuted.enlisted)
	}
	all.Each(func(c Cell) bool {
		c.Rollback(t)
		return false
	})

	rt.closeTransaction(t)
	t.runSideEffects(false)
	rt.maybeTrim()
}

func (rt *Runtime) closeTransaction(t *Tx) {
	if t.ownTicket {
		rt.versions.ReleaseReaderTicket(t.ticket)
		t.ownTicket = false
	}
	if t.commuted != nil && t.commuted.ownTicket {
		rt.versions.ReleaseReaderTicket(t.commuted.ticket)
		t.commuted.ownTicket = false
	}

	t.closed = true
	t.locals = nil
}

func toTrimmables(cells mapset.Set[Cell]) mapset.Set[version.Trimmable] {
	out := mapset.NewThreadUnsafeSet[version.Trimmable]()
	cells.Each(func(c Cell) bool {
		out.Add(c)
		return false
	})
	return out
}
