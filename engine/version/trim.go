package version

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// TrimCopies advances the oldest-reachable cursor past entries no reader holds
// anymore and releases the historical copies their writers installed. A CAS
// flag keeps at most one trimmer active at a time.
func (l *List) TrimCopies() {
	if !l.trimming.CompareAndSwap(false, true) {
		return
	}
	defer l.trimming.Store(false)

	old := l.oldestRead.Load()
	curr := l.current.Load()
	toTrim := mapset.NewThreadUnsafeSet[Trimmable]()
	moved := false

	for old != curr {
		later := old.later.Load()
		if later == nil {
			break
		}

		laterChanges := later.changes.Load()
		if laterChanges == nil {
			// still checking, or mid-install
			break
		}

		if !old.readerCount.CompareAndSwap(0, tombstone) {
			break
		}

		toTrim.Append(*laterChanges...)
		old = later
		moved = true
	}

	if !moved {
		return
	}

	old.changes.Store(nil)
	l.oldestRead.Store(old)

	upTo := old.stamp
	toTrim.Each(func(c Trimmable) bool {
		c.TrimCopies(upTo)
		return false
	})
}

// OldestReachableStamp is the floor no live reader can be behind.
func (l *List) OldestReachableStamp() uint64 {
	return l.oldestRead.Load().stamp
}
