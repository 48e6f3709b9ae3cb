package main

import (
	"math/rand"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stm/engine"
	"stm/observability"
	"stm/shielded"
)

const (
	defaultAccounts     = 8
	defaultWorkers      = 4
	defaultTransfers    = 20_000
	defaultInitialFunds = 1_000
	defaultMaxAmount    = 50
)

func main() {
	observability.SetLoggingLevel(zerolog.InfoLevel)

	rt := engine.New(engine.Options{})

	accounts := make([]*shielded.Shielded[int64], defaultAccounts)
	for i := range accounts {
		accounts[i] = shielded.New[int64](defaultInitialFunds)
	}
	settled := shielded.New[int64](0)

	disposer := &Disposer{}
	defer disposer.Dispose()

	watcher, err := rt.Conditional(
		func(t *engine.Tx) (bool, error) {
			count, err := settled.Read(t)
			return count == defaultTransfers, err
		},
		func(t *engine.Tx) error {
			t.SideEffect(func() {
				log.Info().
					Int("transfers", defaultTransfers).
					Msg("demo: all transfers settled")
			}, nil)
			return nil
		},
	)
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("demo: failed to subscribe the settlement watcher")
	}
	disposer.Track(watcher)

	pool, err := ants.NewPool(defaultWorkers)
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("demo: failed to start the worker pool")
	}
	defer pool.Release()

	var wg sync.WaitGroup
	wg.Add(defaultTransfers)
	for i := 0; i < defaultTransfers; i++ {
		if err := pool.Submit(func() {
			defer wg.Done()
			transfer(rt, accounts, settled)
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()

	rt.Trim()
	report(rt, accounts)
}

func transfer(rt *engine.Runtime, accounts []*shielded.Shielded[int64], settled *shielded.Shielded[int64]) {
	from := rand.Intn(len(accounts))
	to := rand.Intn(len(accounts) - 1)
	if to >= from {
		to++
	}
	amount := int64(rand.Intn(defaultMaxAmount) + 1)

	err := rt.InTransaction(func(t *engine.Tx) error {
		balance, err := accounts[from].Read(t)
		if err != nil {
			return err
		}

		moved := amount
		if balance < amount {
			moved = 0
		}

		if moved > 0 {
			if err := accounts[from].Write(t, balance-moved); err != nil {
				return err
			}
			if err := accounts[to].Modify(t, func(v int64) int64 { return v + moved }); err != nil {
				return err
			}
		}

		return settled.Commute(t, func(v int64) int64 { return v + 1 })
	})
	if err != nil {
		log.Error().
			Err(err).
			Msg("demo: transfer failed")
	}
}

func report(rt *engine.Runtime, accounts []*shielded.Shielded[int64]) {
	var total int64
	err := rt.InTransaction(func(t *engine.Tx) error {
		total = 0
		for _, account := range accounts {
			balance, err := account.Read(t)
			if err != nil {
				return err
			}
			total += balance
		}
		return nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Msg("demo: failed to read final balances")
		return
	}

	log.Info().
		Int64("total", total).
		Int64("expected", int64(defaultAccounts*defaultInitialFunds)).
		Uint64("stamp", rt.CurrentStamp()).
		Msg("demo: done")
}
