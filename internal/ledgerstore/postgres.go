package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists ledgers and their entries to PostgreSQL.
// The schema lives in migrations/001_ledgers.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool. The
// store takes ownership of the pool and closes it in Close.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// pgError classifies a driver error. Server-side errors and context errors
// pass through; anything else means the database could not be reached.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &pgErr):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}

// CreateLedger implements Client.
func (s *PostgresStore) CreateLedger(ctx context.Context, ensembleSize, writeQuorumSize, ackQuorumSize int, digest DigestType, password []byte) (WriteHandle, error) {
	if err := validateQuorum(ensembleSize, writeQuorumSize, ackQuorumSize); err != nil {
		return nil, err
	}

	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO ledgers (ensemble_size, write_quorum_size, ack_quorum_size, digest_type, password_fingerprint)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		ensembleSize, writeQuorumSize, ackQuorumSize, string(digest), passwordFingerprint(password),
	).Scan(&id); err != nil {
		return nil, pgError("create ledger", err)
	}

	s.logger.Debug("ledger created",
		zap.Int64("ledger_id", id),
		zap.Int("ensemble", ensembleSize),
		zap.String("digest", string(digest)),
	)
	return newPgHandle(s, id, newDigester(digest, password), true, -1), nil
}

// OpenLedger implements Client.
func (s *PostgresStore) OpenLedger(ctx context.Context, ledgerID int64, digest DigestType, password []byte) (ReadHandle, error) {
	var (
		storedDigest string
		fingerprint  []byte
		lac          int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT digest_type, password_fingerprint, last_add_confirmed FROM ledgers WHERE id = $1`,
		ledgerID,
	).Scan(&storedDigest, &fingerprint, &lac)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger %d: %w", ledgerID, ErrNoSuchLedger)
	}
	if err != nil {
		return nil, pgError(fmt.Sprintf("open ledger %d", ledgerID), err)
	}
	if err := checkAccess(ledgerID, DigestType(storedDigest), fingerprint, digest, password); err != nil {
		return nil, err
	}
	return newPgHandle(s, ledgerID, newDigester(digest, password), false, lac), nil
}

// DeleteLedger implements Client. Entries are removed by ON DELETE CASCADE.
func (s *PostgresStore) DeleteLedger(ctx context.Context, ledgerID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ledgers WHERE id = $1`, ledgerID)
	if err != nil {
		return pgError(fmt.Sprintf("delete ledger %d", ledgerID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete ledger %d: %w", ledgerID, ErrNoSuchLedger)
	}
	return nil
}

// ProcessLedgers implements Client. Ids are streamed from a single query on
// a background goroutine.
func (s *PostgresStore) ProcessLedgers(ctx context.Context, processor func(ledgerID int64), done func(err error)) {
	go func() {
		rows, err := s.pool.Query(ctx, `SELECT id FROM ledgers ORDER BY id`)
		if err != nil {
			done(pgError("list ledgers", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				done(fmt.Errorf("scan ledger id: %w", err))
				return
			}
			processor(id)
		}
		if err := rows.Err(); err != nil {
			done(pgError("list ledgers", err))
			return
		}
		done(nil)
	}()
}

// Ping implements Client.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return pgError("ping postgres", err)
	}
	return nil
}

// Close implements Client.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgHandle struct {
	store    *PostgresStore
	id       int64
	digest   digester
	writable bool
	closed   atomic.Bool
	lac      atomic.Int64
}

func newPgHandle(s *PostgresStore, id int64, d digester, writable bool, lac int64) *pgHandle {
	h := &pgHandle{store: s, id: id, digest: d, writable: writable}
	h.lac.Store(lac)
	return h
}

func (h *pgHandle) ID() int64 { return h.id }

func (h *pgHandle) LastAddConfirmed() int64 { return h.lac.Load() }

func (h *pgHandle) observeLAC(lac int64) {
	for {
		cur := h.lac.Load()
		if lac <= cur || h.lac.CompareAndSwap(cur, lac) {
			return
		}
	}
}

func (h *pgHandle) ensureOpen() error {
	if h.closed.Load() {
		return fmt.Errorf("ledger %d: %w", h.id, ErrLedgerClosed)
	}
	return nil
}

// AddEntry implements WriteHandle. The ledger row is locked for the length of
// the transaction so concurrent appends are assigned consecutive ids.
func (h *pgHandle) AddEntry(ctx context.Context, data []byte) (int64, error) {
	if !h.writable {
		return 0, fmt.Errorf("ledger %d opened read-only: %w", h.id, ErrLedgerClosed)
	}
	if err := h.ensureOpen(); err != nil {
		return 0, err
	}

	tx, err := h.store.pool.Begin(ctx)
	if err != nil {
		return 0, pgError("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		lac    int64
		sealed bool
	)
	err = tx.QueryRow(ctx,
		`SELECT last_add_confirmed, sealed FROM ledgers WHERE id = $1 FOR UPDATE`, h.id,
	).Scan(&lac, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("ledger %d: %w", h.id, ErrNoSuchLedger)
	}
	if err != nil {
		return 0, pgError("lock ledger", err)
	}
	if sealed {
		return 0, fmt.Errorf("ledger %d: %w", h.id, ErrLedgerClosed)
	}

	entryID := lac + 1
	if data == nil {
		data = []byte{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (ledger_id, entry_id, payload, digest) VALUES ($1, $2, $3, $4)`,
		h.id, entryID, data, h.digest.sum(h.id, entryID, data),
	); err != nil {
		return 0, pgError("insert entry", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledgers SET last_add_confirmed = $2 WHERE id = $1`, h.id, entryID,
	); err != nil {
		return 0, pgError("advance lac", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, pgError("commit entry", err)
	}

	h.observeLAC(entryID)
	h.store.logger.Debug("entry appended",
		zap.Int64("ledger_id", h.id),
		zap.Int64("entry_id", entryID),
		zap.Int("length", len(data)),
	)
	return entryID, nil
}

// ReadEntries implements ReadHandle.
func (h *pgHandle) ReadEntries(ctx context.Context, first, last int64) ([]Entry, error) {
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

	rows, err := h.store.pool.Query(ctx,
		`SELECT entry_id, payload, digest FROM ledger_entries
		 WHERE ledger_id = $1 AND entry_id BETWEEN $2 AND $3
		 ORDER BY entry_id ASC`,
		h.id, first, last,
	)
	if err != nil {
		return nil, pgError("read entries", err)
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
		return nil, pgError("read entries", err)
	}
	if int64(len(out)) != last-first+1 {
		return nil, fmt.Errorf("ledger %d entries %d..%d: %w", h.id, first, last, ErrNoSuchEntry)
	}
	return out, nil
}

// ReadLastAddConfirmed implements ReadHandle.
func (h *pgHandle) ReadLastAddConfirmed(ctx context.Context) (int64, error) {
	if err := h.ensureOpen(); err != nil {
		return 0, err
	}
	var lac int64
	err := h.store.pool.QueryRow(ctx,
		`SELECT last_add_confirmed FROM ledgers WHERE id = $1`, h.id,
	).Scan(&lac)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("ledger %d: %w", h.id, ErrNoSuchLedger)
	}
	if err != nil {
		return 0, pgError("read lac", err)
	}
	h.observeLAC(lac)
	return lac, nil
}

// ReadLastEntry implements ReadHandle in a single query.
func (h *pgHandle) ReadLastEntry(ctx context.Context) (Entry, error) {
	if err := h.ensureOpen(); err != nil {
		return Entry{}, err
	}
	var (
		lac             int64
		entryID         *int64
		payload, digest []byte
	)
	err := h.store.pool.QueryRow(ctx,
		`SELECT l.last_add_confirmed, e.entry_id, e.payload, e.digest
		 FROM ledgers l
		 LEFT JOIN ledger_entries e ON e.ledger_id = l.id AND e.entry_id = l.last_add_confirmed
		 WHERE l.id = $1`, h.id,
	).Scan(&lac, &entryID, &payload, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("ledger %d: %w", h.id, ErrNoSuchLedger)
	}
	if err != nil {
		return Entry{}, pgError("read last entry", err)
	}
	if lac < 0 || entryID == nil {
		return Entry{}, fmt.Errorf("ledger %d is empty: %w", h.id, ErrNoSuchEntry)
	}
	if err := h.digest.verify(h.id, lac, payload, digest); err != nil {
		return Entry{}, err
	}
	h.observeLAC(lac)
	return Entry{LedgerID: h.id, EntryID: lac, Length: int64(len(payload)), Payload: payload}, nil
}

// Close implements ReadHandle. Closing a writer seals the ledger.
func (h *pgHandle) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) || !h.writable {
		return nil
	}
	if _, err := h.store.pool.Exec(ctx, `UPDATE ledgers SET sealed = TRUE WHERE id = $1`, h.id); err != nil {
		return pgError(fmt.Sprintf("seal ledger %d", h.id), err)
	}
	return nil
}
