package engine

import (
	"errors"
	"strings"
	"testing"

	"stm/test"
)

func TestTx_Commutes(t *testing.T) {
	rt := New(Options{})

	t.Run("it defers commutes until commit", func(t *testing.T) {
		cell := newFakeCell()
		cell.changes = true
		performed := 0

		err := rt.InTransaction(func(tx *Tx) error {
			err := tx.EnlistCommute(func(sub *Tx) error {
				performed++
				_, err := sub.Enlist(cell, false)
				return err
			}, cell)

			test.AssertEqual(t, performed, 0)
			return err
		})

		test.AssertNoError(t, err)
		test.AssertEqual(t, performed, 1)
		test.AssertEqual(t, cell.committed, 1)
	})

	t.Run("it degenerates a commute over an already enlisted cell", func(t *testing.T) {
		cell := newFakeCell()
		performed := 0

		err := rt.InTransaction(func(tx *Tx) error {
			if _, err := tx.Enlist(cell, false); err != nil {
				return err
			}

			err := tx.EnlistCommute(func(sub *Tx) error {
				performed++
				return nil
			}, cell)

			test.AssertEqual(t, performed, 1)
			return err
		})

		test.AssertNoError(t, err)
	})

	t.Run("it degenerates a queued commute once its cell enlists", func(t *testing.T) {
		cell := newFakeCell()
		performed := 0

		err := rt.InTransaction(func(tx *Tx) error {
			if err := tx.EnlistCommute(func(sub *Tx) error {
				performed++
				return nil
			}, cell); err != nil {
				return err
			}

			if _, err := tx.Enlist(cell, false); err != nil {
				return err
			}

			test.AssertEqual(t, performed, 1)
			test.AssertEqual(t, len(tx.commutes), 0)
			return nil
		})

		test.AssertNoError(t, err)
	})

	t.Run("it runs earlier commutes a degenerating one depends on first", func(t *testing.T) {
		a := newFakeCell()
		b := newFakeCell()
		var order []string

		err := rt.InTransaction(func(tx *Tx) error {
			if err := tx.EnlistCommute(func(sub *Tx) error {
				order = append(order, "first")
				_, err := sub.Enlist(a, false)
				return err
			}, a); err != nil {
				return err
			}

			if err := tx.EnlistCommute(func(sub *Tx) error {
				order = append(order, "second:start")
				if _, err := sub.Enlist(a, false); err != nil {
					return err
				}
				order = append(order, "second:end")
				_, err := sub.Enlist(b, false)
				return err
			}, b); err != nil {
				return err
			}

			_, err := tx.Enlist(b, false)
			return err
		})

		test.AssertNoError(t, err)
		test.AssertEqual(t, strings.Join(order, ","), "second:start,first,second:end")
	})

	t.Run("it executes commutes enlisted during a commute inline", func(t *testing.T) {
		outer := newFakeCell()
		outer.changes = true
		inner := newFakeCell()
		inner.changes = true
		performedInner := false

		err := rt.InTransaction(func(tx *Tx) error {
			return tx.EnlistCommute(func(sub *Tx) error {
				if _, err := sub.Enlist(outer, false); err != nil {
					return err
				}

				return sub.EnlistCommute(func(s *Tx) error {
					performedInner = true
					_, err := s.Enlist(inner, false)
					return err
				}, inner)
			}, outer)
		})

		test.AssertNoError(t, err)
		test.AssertTrue(t, performedInner)
		test.AssertEqual(t, inner.committed, 1)
	})

	t.Run("it surfaces an error from a degenerating commute", func(t *testing.T) {
		boom := errors.New("boom")
		cell := newFakeCell()

		err := rt.InTransaction(func(tx *Tx) error {
			if err := tx.EnlistCommute(func(sub *Tx) error {
				return boom
			}, cell); err != nil {
				return err
			}

			_, err := tx.Enlist(cell, false)
			return err
		})

		test.AssertError(t, err, boom)
	})

	t.Run("it aborts when a commute touches the main enlistment", func(t *testing.T) {
		a := newFakeCell()
		a.changes = true
		b := newFakeCell()

		err := rt.InTransaction(func(tx *Tx) error {
			if _, err := tx.Enlist(a, false); err != nil {
				return err
			}

			return tx.EnlistCommute(func(sub *Tx) error {
				_, err := sub.Enlist(a, false)
				return err
			}, b)
		})

		test.AssertError(t, err, InvalidCommuteError)
		test.AssertEqual(t, a.rolledBack, 1)
	})
}
