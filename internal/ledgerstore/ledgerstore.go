// Package ledgerstore defines the client contract of the distributed-log
// ledger store the gateway fronts, and ships three backends for it.
//
// A ledger is an append-only log identified by an int64 id. Entries are
// numbered from 0 and become visible to readers once they are confirmed
// (the last-add-confirmed, or LAC, marker). Writers hold a WriteHandle for a
// ledger they created; readers open a short-lived ReadHandle.
//
// Backends:
//   - MemoryStore: in-process, for tests and single-node development.
//   - PostgresStore: durable, backed by pgxpool.
//   - SQLiteStore: durable, embedded, backed by modernc.org/sqlite.
package ledgerstore

import (
	"context"
	"errors"
)

var (
	// ErrNoSuchLedger is returned when the ledger id is unknown to the store.
	ErrNoSuchLedger = errors.New("no such ledger")

	// ErrNoSuchEntry is returned when the ledger exists but the entry does not,
	// or is beyond the last-add-confirmed marker.
	ErrNoSuchEntry = errors.New("no such entry")

	// ErrNotEnoughBookies is returned when the requested ensemble is larger
	// than the number of storage nodes available.
	ErrNotEnoughBookies = errors.New("not enough bookies available")

	// ErrQuorumUnsatisfiable is returned for ensemble/quorum combinations that
	// can never be satisfied (ack > write > ensemble, or sizes below 1).
	ErrQuorumUnsatisfiable = errors.New("quorum parameters cannot be satisfied")

	// ErrStoreUnavailable wraps connectivity failures to the store.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrUnauthorized is returned when a ledger is opened with a password or
	// digest type different from the ones it was created with.
	ErrUnauthorized = errors.New("unauthorized access to ledger")

	// ErrLedgerClosed is returned when appending through a closed writer.
	ErrLedgerClosed = errors.New("ledger handle closed")

	// ErrDigestMismatch is returned when a stored entry fails verification.
	ErrDigestMismatch = errors.New("entry digest mismatch")
)

// Entry is a single confirmed record read back from a ledger.
type Entry struct {
	LedgerID int64
	EntryID  int64
	Length   int64
	Payload  []byte
}

// Client is the ledger store client. Implementations must be safe for
// concurrent use by many goroutines.
type Client interface {
	// CreateLedger creates a ledger and returns a writer for it.
	CreateLedger(ctx context.Context, ensembleSize, writeQuorumSize, ackQuorumSize int, digest DigestType, password []byte) (WriteHandle, error)

	// OpenLedger opens an existing ledger read-only. The open never fences
	// the ledger's writer.
	OpenLedger(ctx context.Context, ledgerID int64, digest DigestType, password []byte) (ReadHandle, error)

	// DeleteLedger removes a ledger and all of its entries.
	DeleteLedger(ctx context.Context, ledgerID int64) error

	// ProcessLedgers enumerates every ledger id asynchronously. processor is
	// invoked once per id, possibly from another goroutine, and done is
	// invoked exactly once after the last processor call with the terminal
	// error (nil on success). ProcessLedgers returns without waiting.
	ProcessLedgers(ctx context.Context, processor func(ledgerID int64), done func(err error))

	// Ping checks connectivity to the store.
	Ping(ctx context.Context) error

	// Close releases client resources.
	Close() error
}

// ReadHandle is a read-only session bound to one ledger.
type ReadHandle interface {
	// ID returns the ledger id.
	ID() int64

	// LastAddConfirmed returns the LAC observed when the handle was opened
	// (or last refreshed). -1 means the ledger has no confirmed entries.
	LastAddConfirmed() int64

	// ReadEntries returns entries first..last inclusive, in ascending order.
	ReadEntries(ctx context.Context, first, last int64) ([]Entry, error)

	// ReadLastAddConfirmed asks the store for the current LAC and refreshes
	// the value returned by LastAddConfirmed.
	ReadLastAddConfirmed(ctx context.Context) (int64, error)

	// ReadLastEntry returns the entry at the current LAC.
	ReadLastEntry(ctx context.Context) (Entry, error)

	// Close releases the handle. Closing twice is a no-op.
	Close(ctx context.Context) error
}

// WriteHandle is a session with append capability for a ledger this client
// created.
type WriteHandle interface {
	ReadHandle

	// AddEntry appends data and returns the assigned entry id once the entry
	// is confirmed.
	AddEntry(ctx context.Context, data []byte) (int64, error)
}

// validateQuorum checks the ensemble/quorum shape shared by every backend.
func validateQuorum(ensembleSize, writeQuorumSize, ackQuorumSize int) error {
	if ackQuorumSize < 1 || writeQuorumSize < ackQuorumSize || ensembleSize < writeQuorumSize {
		return ErrQuorumUnsatisfiable
	}
	return nil
}
