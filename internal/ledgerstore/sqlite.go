package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledgers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ensemble_size INTEGER NOT NULL,
	write_quorum_size INTEGER NOT NULL,
	ack_quorum_size INTEGER NOT NULL,
	digest_type TEXT NOT NULL,
	password_fingerprint BLOB NOT NULL,
	last_add_confirmed INTEGER NOT NULL DEFAULT -1,
	sealed INTEGER NOT NULL DEFAULT 0,
	created_at_utc_ns INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000000000)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	ledger_id INTEGER NOT NULL REFERENCES ledgers(id) ON DELETE CASCADE,
	entry_id INTEGER NOT NULL,
	payload BLOB NOT NULL,
	digest BLOB NOT NULL,
	PRIMARY KEY (ledger_id, entry_id)
);

CREATE TRIGGER IF NOT EXISTS trg_ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only: UPDATE forbidden');
END;
`

// SQLiteStore persists ledgers to a single embedded SQLite file. All access
// goes through one connection, which serializes appends.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func sqliteError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// CreateLedger implements Client.
func (s *SQLiteStore) CreateLedger(ctx context.Context, ensembleSize, writeQuorumSize, ackQuorumSize int, digest DigestType, password []byte) (WriteHandle, error) {
	if err := validateQuorum(ensembleSize, writeQuorumSize, ackQuorumSize); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledgers (ensemble_size, write_quorum_size, ack_quorum_size, digest_type, password_fingerprint)
		 VALUES (?, ?, ?, ?, ?)`,
		ensembleSize, writeQuorumSize, ackQuorumSize, string(digest), passwordFingerprint(password),
	)
	if err != nil {
		return nil, sqliteError("create ledger", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, sqliteError("create ledger", err)
	}

	s.logger.Debug("ledger created",
		zap.Int64("ledger_id", id),
		zap.Int("ensemble", ensembleSize),
		zap.String("digest", string(digest)),
	)
	return newSQLiteHandle(s, id, newDigester(digest, password), true, -1), nil
}

// OpenLedger implements Client.
func (s *SQLiteStore) OpenLedger(ctx context.Context, ledgerID int64, digest DigestType, password []byte) (ReadHandle, error) {
	var (
		storedDigest string
		fingerprint  []byte
		lac          int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT digest_type, password_fingerprint, last_add_confirmed FROM ledgers WHERE id = ?`,
		ledgerID,
	).Scan(&storedDigest, &fingerprint, &lac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger %d: %w", ledgerID, ErrNoSuchLedger)
	}
	if err != nil {
		return nil, sqliteError(fmt.Sprintf("open ledger %d", ledgerID), err)
	}
	if err := checkAccess(ledgerID, DigestType(storedDigest), fingerprint, digest, password); err != nil {
		return nil, err
	}
	return newSQLiteHandle(s, ledgerID, newDigester(digest, password), false, lac), nil
}

// DeleteLedger implements Client.
func (s *SQLiteStore) DeleteLedger(ctx context.Context, ledgerID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM ledgers WHERE id = ?`, ledgerID)
	if err != nil {
		return sqliteError(fmt.Sprintf("delete ledger %d", ledgerID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqliteError(fmt.Sprintf("delete ledger %d", ledgerID), err)
	}
	if n == 0 {
		return fmt.Errorf("delete ledger %d: %w", ledgerID, ErrNoSuchLedger)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE ledger_id = ?`, ledgerID); err != nil {
		return sqliteError(fmt.Sprintf("delete entries of ledger %d", ledgerID), err)
	}
	if err := tx.Commit(); err != nil {
		return sqliteError(fmt.Sprintf("delete ledger %d", ledgerID), err)
	}
	return nil
}

// ProcessLedgers implements Client. Ids are collected before processor runs
// so the single connection is free while callbacks execute.
func (s *SQLiteStore) ProcessLedgers(ctx context.Context, processor func(ledgerID int64), done func(err error)) {
	go func() {
		ids, err := s.ledgerIDs(ctx)
		if err != nil {
			done(err)
			return
		}
		for _, id := range ids {
			processor(id)
		}
		done(nil)
	}()
}

func (s *SQLiteStore) ledgerIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ledgers ORDER BY id`)
	if err != nil {
		return nil, sqliteError("list ledgers", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ledger id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("list ledgers", err)
	}
	return ids, nil
}

// Ping implements Client.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return sqliteError("ping sqlite", err)
	}
	return nil
}

// Close implements Client.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteHandle struct {
	store    *SQLiteStore
	id       int64
	digest   digester
	writable bool
	closed   atomic.Bool
	lac      atomic.Int64
}

func newSQLiteHandle(s *SQLiteStore, id int64, d digester, writable bool, lac int64) *sqliteHandle {
	h := &sqliteHandle{store: s, id: id, digest: d, writable: writable}
	h.lac.Store(lac)
	return h
}

func (h *sqliteHandle) ID() int64 { return h.id }

func (h *sqliteHandle) LastAddConfirmed() int64 { return h.lac.Load() }

func (h *sqliteHandle) observeLAC(lac int64) {
	for {
		cur := h.lac.Load()
		if lac <= cur || h.lac.CompareAndSwap(cur, lac) {
			return
		}
	}
}

func (h *sqliteHandle) ensureOpen() error {
	if h.closed.Load() {
		return fmt.Errorf("ledger %d: %w", h.id, ErrLedgerClosed)
	}
	return nil
}

// AddEntry implements WriteHandle.
func (h *sqliteHandle) AddEntry(ctx context.Context, data []byte) (int64, error) {
	if !h.writable {
		return 0, fmt.Errorf("ledger %d opened read-only: %w", h.id, ErrLedgerClosed)
	}
	if err := h.ensureOpen(); err != nil {
		return 0, err
	}

	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqliteError("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		lac    int64
		sealed bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT last_add_confirmed, sealed FROM ledgers WHERE id = ?`, h.id,
	).Scan(&lac, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ledger %d: %w", h.id, ErrNoSuchLedger)
	}
	if err != nil {
		return 0, sqliteError("load ledger", err)
	}
	if sealed {
		return 0, fmt.Errorf("ledger %d: %w", h.id, ErrLedgerClosed)
	}

	entryID := lac + 1
	if data == nil {
		data = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (ledger_id, entry_id, payload, digest) VALUES (?, ?, ?, ?)`,
		h.id, entryID, data, h.digest.sum(h.id, entryID, data),
	); err != nil {
		return 0, sqliteError("insert entry", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledgers SET last_add_confirmed = ? WHERE id = ?`, entryID, h.id,
	); err != nil {
		return 0, sqliteError("advance lac", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, sqliteError("commit entry", err)
	}

	h.observeLAC(entryID)
	return entryID, nil
}

// ReadEntries implements ReadHandle.
func (h *sqliteHandle) ReadEntries(ctx context.Context, first, last int64) ([]Entry, error) {
	if err := h.ensureOpen(); err != nil {
		return nil, err
	}
	lac, err := h.ReadLastAddConfirmed(ctx)
	if err != nil {
		return nil, err
	}
	if first < 0 || first > last || last > lac {
		return nil, fmt.Errorf("ledger %d entries %d..%d (lac %d): %w", h.id, first, last, lac, ErrNoSuchEntry)
	}

	rows, err := h.store.db.QueryContext(ctx,
		`SELECT entry_id, payload, digest FROM ledger_entries
		 WHERE ledger_id = ? AND entry_id BETWEEN ? AND ?
		 ORDER BY entry_id ASC`,
		h.id, first, last,
	)
	if err != nil {
		return nil, sqliteError("read entries", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, last-first+1)
	for rows.Next() {
		var (
			entryID         int64
			payload, digest []byte
		)
		if err := rows.Scan(&entryID, &payload, &digest); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := h.digest.verify(h.id, entryID, payload, digest); err != nil {
			return nil, err
		}
		out = append(out, Entry{LedgerID: h.id, EntryID: entryID, Length: int64(len(payload)), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("read entries", err)
	}
	if int64(len(out)) != last-first+1 {
		return nil, fmt.Errorf("ledger %d entries %d..%d: %w", h.id, first, last, ErrNoSuchEntry)
	}
	return out, nil
}

// ReadLastAddConfirmed implements ReadHandle.
func (h *sqliteHandle) ReadLastAddConfirmed(ctx context.Context) (int64, error) {
	if err := h.ensureOpen(); err != nil {
		return 0, err
	}
	var lac int64
	err := h.store.db.QueryRowContext(ctx,
		`SELECT last_add_confirmed FROM ledgers WHERE id = ?`, h.id,
	).Scan(&lac)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ledger %d: %w", h.id, ErrNoSuchLedger)
	}
	if err != nil {
		return 0, sqliteError("read lac", err)
	}
	h.observeLAC(lac)
	return lac, nil
}

// ReadLastEntry implements ReadHandle.
func (h *sqliteHandle) ReadLastEntry(ctx context.Context) (Entry, error) {
	lac, err := h.ReadLastAddConfirmed(ctx)
	if err != nil {
		return Entry{}, err
	}
	if lac < 0 {
		return Entry{}, fmt.Errorf("ledger %d is empty: %w", h.id, ErrNoSuchEntry)
	}
	entries, err := h.ReadEntries(ctx, lac, lac)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// Close implements ReadHandle. Closing a writer seals the ledger.
func (h *sqliteHandle) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) || !h.writable {
		return nil
	}
	if _, err := h.store.db.ExecContext(ctx, `UPDATE ledgers SET sealed = 1 WHERE id = ?`, h.id); err != nil {
		return sqliteError(fmt.Sprintf("seal ledger %d", h.id), err)
	}
	return nil
}
