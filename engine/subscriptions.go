package engine

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog/log"
)

// Subscription is a registered conditional or pre-commit hook. Closing it
// stops future triggering.
type Subscription struct {
	reg  *registry
	test func(*Tx) (bool, error)
	body func(*Tx) error

	// guarded by reg.mu
	cells mapset.Set[Cell]
	done  bool
}

func (s *Subscription) Close() error {
	s.reg.remove(s)
	return nil
}

// Conditional subscribes body to run in a new transaction after every commit
// that changes a cell the test reads. The test runs once, in its own
// transaction, to learn that read set; it is re-evaluated on each trigger and
// the subscription follows whatever it reads then.
func (rt *Runtime) Conditional(test func(*Tx) (bool, error), body func(*Tx) error) (*Subscription, error) {
	return rt.subscribe(rt.postCommit, test, body)
}

// PreCommit subscribes body to run inside every transaction about to change a
// cell the test reads, before commit validation.
func (rt *Runtime) PreCommit(test func(*Tx) (bool, error), body func(*Tx) error) (*Subscription, error) {
	return rt.subscribe(rt.preCommit, test, body)
}

func (rt *Runtime) subscribe(reg *registry, test func(*Tx) (bool, error), body func(*Tx) error) (*Subscription, error) {
	s := &Subscription{reg: reg, test: test, body: body}

	var readSet mapset.Set[Cell]
	err := rt.InTransaction(func(t *Tx) error {
		cells, err := t.IsolatedRun(func(sub *Tx) error {
			_, err := s.test(sub)
			return err
		})
		readSet = cells
		return err
	})
	if err != nil {
		return nil, err
	}
	if readSet.IsEmpty() {
		return nil, EmptySubscriptionError
	}

	reg.add(s, readSet)
	return s, nil
}

// fire re-evaluates a subscription's test in an isolated run, executes the
// body when it passes, and reseats the subscription on whatever the test read
// this time. The reseat happens only once the surrounding transaction commits.
func (rt *Runtime) fire(t *Tx, s *Subscription) error {
	fired := false
	readSet, err := t.IsolatedRun(func(sub *Tx) error {
		ok, err := s.test(sub)
		fired = ok
		return err
	})
	if err != nil {
		return err
	}

	if fired {
		if err := s.body(t); err != nil {
			return err
		}
	}

	t.SideEffect(func() { s.reg.reseat(s, readSet) }, nil)
	return nil
}

// runPreCommit fires the pre-commit subscriptions matching the cells about to
// change, inside the committing transaction and before stamp acquisition.
// Pending commutes count with their whole affecting set.
func (rt *Runtime) runPreCommit(t *Tx) error {
	if !rt.preCommit.hasAny() {
		return nil
	}

	var changed []Cell
	t.enlisted.Each(func(c Cell) bool {
		if c.HasChanges(t) {
			changed = append(changed, c)
		}
		return false
	})
	for _, cm := range t.commutes {
		cm.affecting.Each(func(c Cell) bool {
			changed = append(changed, c)
			return false
		})
	}

	for _, s := range rt.preCommit.matching(changed) {
		if err := rt.fire(t, s); err != nil {
			return err
		}
	}
	return nil
}

// postCommitHooks returns the continuations to run after a commit changing the
// given cells. Each continuation re-checks its subscription in a transaction
// of its own.
func (rt *Runtime) postCommitHooks(changed []Cell) []func() {
	subs := rt.postCommit.matching(changed)
	if len(subs) == 0 {
		return nil
	}

	hooks := make([]func(), 0, len(subs))
	for _, s := range subs {
		hooks = append(hooks, func() {
			if err := rt.InTransaction(func(t *Tx) error { return rt.fire(t, s) }); err != nil {
				log.Error().
					Err(err).
					Msg("engine: conditional subscription failed")
			}
		})
	}
	return hooks
}

type registry struct {
	mu     sync.RWMutex
	byCell map[Cell][]*Subscription
	count  int
}

func newRegistry() *registry {
	return &registry{byCell: make(map[Cell][]*Subscription)}
}

func (r *registry) hasAny() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count > 0
}

func (r *registry) add(s *Subscription, cells mapset.Set[Cell]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attach(s, cells)
	r.count++
}

func (r *registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.done {
		return
	}
	r.detach(s)
	s.done = true
	r.count--
}

// reseat moves a subscription onto the cells its test currently reads. A test
// that stopped reading cells altogether can never fire again, so the
// subscription is dropped.
func (r *registry) reseat(s *Subscription, cells mapset.Set[Cell]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.done {
		return
	}
	r.detach(s)

	if cells.IsEmpty() {
		s.done = true
		r.count--
		log.Warn().Msg("engine: subscription test reads no cells anymore, dropping it")
		return
	}

	r.attach(s, cells)
}

func (r *registry) matching(changed []Cell) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	var out []*Subscription
	for _, c := range changed {
		for _, s := range r.byCell[c] {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) attach(s *Subscription, cells mapset.Set[Cell]) {
	s.cells = cells
	cells.Each(func(c Cell) bool {
		r.byCell[c] = append(r.byCell[c], s)
		return false
	})
}

func (r *registry) detach(s *Subscription) {
	if s.cells == nil {
		return
	}

	s.cells.Each(func(c Cell) bool {
		subs := r.byCell[c]
		kept := subs[:0]
		for _, other := range subs {
			if other != s {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(r.byCell, c)
		} else {
			r.byCell[c] = kept
		}
		return false
	})
	s.cells = nil
}
