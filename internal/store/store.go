package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the probe journal.
type Store interface {
	// Probe journal
	AppendProbe(rec *ProbeRecord) error
	GetProbe(id uint64) (*ProbeRecord, error)
	// ListProbes returns up to limit records, newest first. limit <= 0
	// returns all of them.
	ListProbes(limit int) ([]*ProbeRecord, error)
	// PruneProbes keeps only the newest keep records.
	PruneProbes(keep int) error

	// Last successful selection, used to report what was configured before
	// a restart.
	SaveSelection(sel *SelectionState) error
	GetSelection() (*SelectionState, error)

	// Close the store
	Close() error
}
