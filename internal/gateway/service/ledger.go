package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ledgergate/internal/codec"
	"github.com/jmerrifield20/ledgergate/internal/gateway/model"
	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

// ErrNotOwned is returned when appending to a ledger this process holds no
// writer handle for. The ledger may well exist in the store.
var ErrNotOwned = errors.New("this ledger is not owned by me")

// EntryNotFoundPolicy decides what GetEntry does when the requested entry
// does not exist in an existing ledger.
type EntryNotFoundPolicy int

const (
	// PolicyEmpty logs and returns a zero DecodedEntry.
	PolicyEmpty EntryNotFoundPolicy = iota
	// PolicyError logs and returns ledgerstore.ErrNoSuchEntry.
	PolicyError
)

// ParseEntryNotFoundPolicy parses "empty" or "error" (case-insensitive).
// The empty string selects PolicyEmpty.
func ParseEntryNotFoundPolicy(s string) (EntryNotFoundPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "empty":
		return PolicyEmpty, nil
	case "error":
		return PolicyError, nil
	default:
		return PolicyEmpty, fmt.Errorf("unknown entry-not-found policy %q", s)
	}
}

func (p EntryNotFoundPolicy) String() string {
	if p == PolicyError {
		return "error"
	}
	return "empty"
}

// Options are the ledger creation and open parameters shared by every
// request.
type Options struct {
	EnsembleSize    int
	WriteQuorumSize int
	AckQuorumSize   int
	Digest          ledgerstore.DigestType
	Password        []byte
	EntryNotFound   EntryNotFoundPolicy
}

// LedgerService is the gateway core. It decides which store handle serves
// each operation: appends go through writer handles cached in the
// HandleRegistry, reads open a short-lived reader per call.
type LedgerService struct {
	client   ledgerstore.Client
	registry *HandleRegistry
	opts     Options
	logger   *zap.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(client ledgerstore.Client, registry *HandleRegistry, opts Options, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		client:   client,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// CreateLedger creates a ledger with the configured ensemble, quorum, digest
// and password, registers its writer and returns the new id.
func (s *LedgerService) CreateLedger(ctx context.Context) (int64, error) {
	w, err := s.client.CreateLedger(ctx,
		s.opts.EnsembleSize, s.opts.WriteQuorumSize, s.opts.AckQuorumSize,
		s.opts.Digest, s.opts.Password,
	)
	if err != nil {
		s.logger.Error("create ledger failed", zap.Error(err))
		return 0, fmt.Errorf("create ledger: %w", err)
	}
	s.registry.Put(w.ID(), w)
	s.logger.Info("ledger created", zap.Int64("ledger_id", w.ID()))
	return w.ID(), nil
}

// AppendEntry appends payload through the registered writer for ledgerID and
// returns the assigned entry id. There is no fallback open: ledgers without a
// local writer fail with ErrNotOwned.
func (s *LedgerService) AppendEntry(ctx context.Context, ledgerID int64, payload []byte) (int64, error) {
	w, ok := s.registry.Get(ledgerID)
	if !ok {
		return 0, &model.LedgerError{LedgerID: ledgerID, Err: ErrNotOwned}
	}
	entryID, err := w.AddEntry(ctx, payload)
	if err != nil {
		s.logger.Error("append failed", zap.Int64("ledger_id", ledgerID), zap.Error(err))
		return 0, fmt.Errorf("append to ledger %d: %w", ledgerID, err)
	}
	return entryID, nil
}

// withReader opens a read-only handle for ledgerID, runs fn and closes the
// handle on every exit path. The close uses a context detached from ctx's
// cancellation so an aborted request still releases its handle.
func (s *LedgerService) withReader(ctx context.Context, ledgerID int64, fn func(ledgerstore.ReadHandle) error) error {
	r, err := s.client.OpenLedger(ctx, ledgerID, s.opts.Digest, s.opts.Password)
	if err != nil {
		return fmt.Errorf("open ledger %d: %w", ledgerID, err)
	}
	defer func() {
		if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("close reader failed", zap.Int64("ledger_id", ledgerID), zap.Error(cerr))
		}
	}()
	return fn(r)
}

// ListEntries returns every confirmed entry of ledgerID, from 0 to the
// last-add-confirmed observed at open, decoded with c. An empty ledger
// yields an empty slice.
func (s *LedgerService) ListEntries(ctx context.Context, ledgerID int64, c codec.Codec) ([]model.DecodedEntry, error) {
	out := []model.DecodedEntry{}
	err := s.withReader(ctx, ledgerID, func(r ledgerstore.ReadHandle) error {
		lac := r.LastAddConfirmed()
		if lac < 0 {
			return nil
		}
		entries, err := r.ReadEntries(ctx, 0, lac)
		if err != nil {
			return fmt.Errorf("read entries 0..%d: %w", lac, err)
		}
		out = make([]model.DecodedEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, decode(e, c))
		}
		return nil
	})
	if err != nil {
		s.logReadError("list entries failed", ledgerID, -1, err)
		return nil, err
	}
	return out, nil
}

// GetEntry returns a single entry. A missing entry in an existing ledger is
// handled according to the configured EntryNotFoundPolicy; every other
// failure, including a missing ledger, is returned.
func (s *LedgerService) GetEntry(ctx context.Context, ledgerID, entryID int64, c codec.Codec) (model.DecodedEntry, error) {
	var out model.DecodedEntry
	err := s.withReader(ctx, ledgerID, func(r ledgerstore.ReadHandle) error {
		entries, err := r.ReadEntries(ctx, entryID, entryID)
		if err != nil {
			return fmt.Errorf("read entry %d: %w", entryID, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("read entry %d: %w", entryID, ledgerstore.ErrNoSuchEntry)
		}
		out = decode(entries[0], c)
		return nil
	})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ledgerstore.ErrNoSuchEntry) && !errors.Is(err, ledgerstore.ErrNoSuchLedger) {
		s.logger.Warn("entry not found",
			zap.Int64("ledger_id", ledgerID),
			zap.Int64("entry_id", entryID),
			zap.Stringer("policy", s.opts.EntryNotFound),
		)
		if s.opts.EntryNotFound == PolicyEmpty {
			return model.DecodedEntry{}, nil
		}
		return model.DecodedEntry{}, err
	}
	s.logReadError("get entry failed", ledgerID, entryID, err)
	return model.DecodedEntry{}, err
}

// GetLastAddConfirmed returns the current last-add-confirmed entry id of
// ledgerID, or -1 for an empty ledger.
func (s *LedgerService) GetLastAddConfirmed(ctx context.Context, ledgerID int64) (int64, error) {
	var lac int64
	err := s.withReader(ctx, ledgerID, func(r ledgerstore.ReadHandle) error {
		var err error
		lac, err = r.ReadLastAddConfirmed(ctx)
		return err
	})
	if err != nil {
		s.logReadError("read lac failed", ledgerID, -1, err)
		return 0, err
	}
	return lac, nil
}

// GetLastEntry returns the entry at the current last-add-confirmed marker.
// An empty ledger fails with ledgerstore.ErrNoSuchEntry.
func (s *LedgerService) GetLastEntry(ctx context.Context, ledgerID int64, c codec.Codec) (model.DecodedEntry, error) {
	var out model.DecodedEntry
	err := s.withReader(ctx, ledgerID, func(r ledgerstore.ReadHandle) error {
		e, err := r.ReadLastEntry(ctx)
		if err != nil {
			return err
		}
		out = decode(e, c)
		return nil
	})
	if err != nil {
		s.logReadError("read last entry failed", ledgerID, -1, err)
		return model.DecodedEntry{}, err
	}
	return out, nil
}

// DeleteLedger deletes ledgerID from the store and releases the local writer
// handle, if any.
func (s *LedgerService) DeleteLedger(ctx context.Context, ledgerID int64) error {
	err := s.client.DeleteLedger(ctx, ledgerID)
	if err == nil || errors.Is(err, ledgerstore.ErrNoSuchLedger) {
		if rerr := s.registry.Release(context.WithoutCancel(ctx), ledgerID); rerr != nil {
			s.logger.Warn("release writer failed", zap.Int64("ledger_id", ledgerID), zap.Error(rerr))
		}
	}
	if err != nil {
		s.logger.Warn("delete ledger failed", zap.Int64("ledger_id", ledgerID), zap.Error(err))
		return &model.LedgerError{LedgerID: ledgerID, Err: err}
	}
	s.logger.Info("ledger deleted", zap.Int64("ledger_id", ledgerID))
	return nil
}

// DeleteLedgers deletes every id in order, continuing past failures. The
// result holds one outcome per id; the error is the first failure.
func (s *LedgerService) DeleteLedgers(ctx context.Context, ids []int64) (model.DeleteLedgersResult, error) {
	result := model.DeleteLedgersResult{Results: make([]model.DeleteResult, 0, len(ids))}
	var first error
	for _, id := range ids {
		err := s.DeleteLedger(ctx, id)
		res := model.DeleteResult{LedgerID: id, Deleted: err == nil}
		if err != nil {
			res.Error = err.Error()
			if first == nil {
				first = err
			}
		}
		result.Results = append(result.Results, res)
	}
	if first != nil {
		s.logger.Warn("batch delete incomplete",
			zap.Int("requested", len(ids)),
			zap.Int("failed", result.Failed()),
		)
	}
	return result, first
}

// ListLedgers enumerates every ledger id known to the store, in ascending
// order. It blocks until the store signals completion or ctx ends.
func (s *LedgerService) ListLedgers(ctx context.Context) ([]int64, error) {
	var (
		mu   sync.Mutex
		ids  []int64
		once sync.Once
	)
	done := make(chan error, 1)

	s.client.ProcessLedgers(ctx,
		func(id int64) {
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		},
		func(err error) {
			once.Do(func() { done <- err })
		},
	)

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("list ledgers failed", zap.Error(err))
			return nil, fmt.Errorf("list ledgers: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("list ledgers: %w", ctx.Err())
	}

	mu.Lock()
	out := make([]int64, len(ids))
	copy(out, ids)
	mu.Unlock()
	slices.Sort(out)
	return out, nil
}

// OwnedLedgers returns the ids this process holds writer handles for.
func (s *LedgerService) OwnedLedgers() []int64 {
	return s.registry.IDs()
}

// Close releases every writer handle held by the service.
func (s *LedgerService) Close(ctx context.Context) error {
	n := s.registry.Len()
	if err := s.registry.CloseAll(ctx); err != nil {
		return err
	}
	s.logger.Info("writer handles closed", zap.Int("count", n))
	return nil
}

func (s *LedgerService) logReadError(msg string, ledgerID, entryID int64, err error) {
	fields := []zap.Field{zap.Int64("ledger_id", ledgerID), zap.Error(err)}
	if entryID >= 0 {
		fields = append(fields, zap.Int64("entry_id", entryID))
	}
	if errors.Is(err, ledgerstore.ErrNoSuchLedger) || errors.Is(err, ledgerstore.ErrNoSuchEntry) {
		s.logger.Info(msg, fields...)
		return
	}
	s.logger.Error(msg, fields...)
}

func decode(e ledgerstore.Entry, c codec.Codec) model.DecodedEntry {
	return model.DecodedEntry{
		LedgerID: e.LedgerID,
		EntryID:  e.EntryID,
		Length:   e.Length,
		Content:  c.Decode(e.Payload),
	}
}
