package main

import (
	"io"

	"github.com/rs/zerolog/log"
)

type Disposer struct {
	closers []io.Closer
}

func (d *Disposer) Track(closer io.Closer) {
	d.closers = append(d.closers, closer)
}

func (d *Disposer) Dispose() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			log.Error().
				Err(err).
				Msg("demo: failed to dispose a subscription")
		}
	}
}
