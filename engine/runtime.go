package engine

import (
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"stm/engine/version"
)

const defaultTrimEvery = 16

type Options struct {
	// TrimEvery must be a power of two; every TrimEvery-th commit or rollback
	// runs the trimmer. Zero selects 16.
	TrimEvery uint32
}

// Runtime owns the version list, the stamp lock serializing commit validation
// and the subscription registries.
type Runtime struct {
	versions  *version.List
	stampLock sync.Mutex

	trimClock atomic.Uint32
	trimMask  uint32

	preCommit  *registry
	postCommit *registry
}

func New(options Options) *Runtime {
	trimEvery := options.TrimEvery
	if trimEvery == 0 {
		trimEvery = defaultTrimEvery
	}

	return &Runtime{
		versions:   version.NewList(),
		trimMask:   trimEvery - 1,
		preCommit:  newRegistry(),
		postCommit: newRegistry(),
	}
}

func (rt *Runtime) newTx() *Tx {
	return &Tx{
		rt:        rt,
		ticket:    rt.versions.ReaderTicket(),
		ownTicket: true,
		enlisted:  mapset.NewThreadUnsafeSet[Cell](),
		locals:    make(map[Cell]any),
	}
}

func (rt *Runtime) maybeTrim() {
	if rt.trimClock.Add(1)&rt.trimMask == 0 {
		rt.versions.TrimCopies()
	}
}

// Trim releases historical cell copies no live reader can observe anymore.
// The runtime already does this periodically; calling it by hand only makes
// reclamation prompt.
func (rt *Runtime) Trim() {
	rt.versions.TrimCopies()
}

// CurrentStamp is the stamp of the latest committed version.
func (rt *Runtime) CurrentStamp() uint64 {
	return rt.versions.UntrackedReadStamp().Stamp()
}

// OldestReachableStamp is the floor below which copies have been released.
func (rt *Runtime) OldestReachableStamp() uint64 {
	return rt.versions.OldestReachableStamp()
}
