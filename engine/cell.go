package engine

import (
	"stm/engine/version"
)

// Cell is the capability a shielded cell offers the engine. The engine drives
// this set blindly and never inspects cell contents. Cells are identified by
// reference, so the same value must be handed in on every operation.
type Cell interface {
	version.Trimmable

	// HasChanges reports whether the cell holds buffered writes in the given
	// transaction.
	HasChanges(t *Tx) bool

	// CanCommit succeeds iff no newer version of the cell was installed since
	// the transaction's read stamp and the cell accepts the proposed write
	// stamp. Must be side-effect free on failure.
	CanCommit(t *Tx, w *version.WriteTicket) bool

	// Commit installs the buffered writes as the new current version, tagged
	// with the transaction's write stamp.
	Commit(t *Tx)

	// Rollback discards the buffered writes.
	Rollback(t *Tx)
}
