package version

import (
	"math"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"stm/test"
)

type fakeCell struct {
	trims []uint64
}

func (f *fakeCell) TrimCopies(upTo uint64) {
	f.trims = append(f.trims, upTo)
}

func cells(items ...Trimmable) mapset.Set[Trimmable] {
	return mapset.NewThreadUnsafeSet[Trimmable](items...)
}

func TestList_Tickets(t *testing.T) {
	t.Run("it starts reading at stamp zero", func(t *testing.T) {
		l := NewList()

		ticket := l.ReaderTicket()
		defer l.ReleaseReaderTicket(ticket)

		test.AssertEqual(t, ticket.Stamp(), uint64(0))
	})

	t.Run("it hands out strictly increasing write stamps", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}
		b := &fakeCell{}

		w1 := l.NewVersion(cells(a), nil)
		w2 := l.NewVersion(cells(b), nil)

		test.AssertEqual(t, w1.Stamp(), uint64(1))
		test.AssertEqual(t, w2.Stamp(), uint64(2))

		w1.SetChanges([]Trimmable{a})
		w1.Commit()
		w2.SetChanges([]Trimmable{b})
		w2.Commit()
	})

	t.Run("it advances the current entry past finalized writers only", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}
		b := &fakeCell{}

		w1 := l.NewVersion(cells(a), nil)
		w2 := l.NewVersion(cells(b), nil)

		// w2 finalized first, but w1 still checks
		w2.SetChanges([]Trimmable{b})
		w2.Commit()
		test.AssertEqual(t, l.UntrackedReadStamp().Stamp(), uint64(0))

		w1.SetChanges([]Trimmable{a})
		w1.Commit()
		test.AssertEqual(t, l.UntrackedReadStamp().Stamp(), uint64(2))
	})

	t.Run("it pins the stamp a reader registered on", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}

		ticket := l.ReaderTicket()
		defer l.ReleaseReaderTicket(ticket)

		w := l.NewVersion(cells(a), nil)
		w.SetChanges([]Trimmable{a})
		w.Commit()

		test.AssertEqual(t, ticket.Stamp(), uint64(0))
		test.AssertEqual(t, l.ReaderTicket().Stamp(), uint64(1))
	})
}

func TestList_Conflicts(t *testing.T) {
	t.Run("it makes a writer wait for a conflicting checking predecessor", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}

		w1 := l.NewVersion(cells(a), nil)

		appended := make(chan *WriteTicket)
		go func() {
			appended <- l.NewVersion(cells(a), nil)
		}()

		select {
		case <-appended:
			t.Fatal("writer passed a conflicting predecessor still in checking state")
		case <-time.After(50 * time.Millisecond):
		}

		w1.SetChanges([]Trimmable{a})
		w1.Commit()

		w2 := <-appended
		test.AssertEqual(t, w2.Stamp(), uint64(2))
		w2.Rollback()
	})

	t.Run("it lets disjoint writers append without waiting", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}
		b := &fakeCell{}

		w1 := l.NewVersion(cells(a), nil)
		w2 := l.NewVersion(cells(b), nil)

		test.AssertEqual(t, w2.Stamp(), uint64(2))
		w1.Rollback()
		w2.Rollback()
	})

	t.Run("it treats commuted enlistments as conflicting", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}
		b := &fakeCell{}

		w1 := l.NewVersion(cells(b), cells(a))

		appended := make(chan *WriteTicket)
		go func() {
			appended <- l.NewVersion(cells(a), nil)
		}()

		select {
		case <-appended:
			t.Fatal("writer passed a predecessor with a conflicting commuted enlistment")
		case <-time.After(50 * time.Millisecond):
		}

		w1.Rollback()
		(<-appended).Rollback()
	})
}

func TestList_TrimCopies(t *testing.T) {
	t.Run("it trims copies once no reader needs them", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}

		w := l.NewVersion(cells(a), nil)
		w.SetChanges([]Trimmable{a})
		w.Commit()

		l.TrimCopies()

		test.AssertEqual(t, len(a.trims), 1)
		test.AssertEqual(t, a.trims[0], uint64(1))
		test.AssertEqual(t, l.OldestReachableStamp(), uint64(1))
	})

	t.Run("it stops at an entry a reader still holds", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}

		ticket := l.ReaderTicket()

		w := l.NewVersion(cells(a), nil)
		w.SetChanges([]Trimmable{a})
		w.Commit()

		l.TrimCopies()
		test.AssertEqual(t, len(a.trims), 0)
		test.AssertEqual(t, l.OldestReachableStamp(), uint64(0))

		l.ReleaseReaderTicket(ticket)
		l.TrimCopies()
		test.AssertEqual(t, len(a.trims), 1)
	})

	t.Run("it tombstones entries it passed", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}

		base := l.current.Load()

		w := l.NewVersion(cells(a), nil)
		w.SetChanges([]Trimmable{a})
		w.Commit()

		l.TrimCopies()

		test.AssertEqual(t, base.readerCount.Load(), int64(math.MinInt64))
	})

	t.Run("it advances past rolled back writers", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}

		w1 := l.NewVersion(cells(a), nil)
		w1.Rollback()

		w2 := l.NewVersion(cells(a), nil)
		w2.SetChanges([]Trimmable{a})
		w2.Commit()

		l.TrimCopies()

		test.AssertEqual(t, l.OldestReachableStamp(), uint64(2))
		test.AssertEqual(t, len(a.trims), 1)
		test.AssertEqual(t, a.trims[0], uint64(2))
	})

	t.Run("it accumulates the changes of every entry it passes", func(t *testing.T) {
		l := NewList()
		a := &fakeCell{}
		b := &fakeCell{}

		w1 := l.NewVersion(cells(a), nil)
		w1.SetChanges([]Trimmable{a})
		w1.Commit()

		w2 := l.NewVersion(cells(b), nil)
		w2.SetChanges([]Trimmable{b})
		w2.Commit()

		l.TrimCopies()

		test.AssertEqual(t, len(a.trims), 1)
		test.AssertEqual(t, len(b.trims), 1)
		test.AssertEqual(t, a.trims[0], uint64(2))
	})
}
