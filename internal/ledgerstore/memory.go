package ledgerstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process, thread-safe Client implementation.
// It is primarily useful for tests and single-node development; nothing
// survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[int64]*memLedger
	nextID  int64
	bookies int

	unavailable atomic.Bool
	openReaders atomic.Int64
}

type memLedger struct {
	id          int64
	ensemble    int
	writeQuorum int
	ackQuorum   int
	digestType  DigestType
	fingerprint []byte
	digest      digester

	mu      sync.RWMutex
	entries []memEntry
	sealed  bool
	deleted bool
}

type memEntry struct {
	payload []byte
	digest  []byte
}

// NewMemoryStore creates a MemoryStore that simulates the given number of
// bookies. bookies <= 0 means ensembles of any size are accepted.
func NewMemoryStore(bookies int) *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[int64]*memLedger),
		bookies: bookies,
	}
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable
// until it is called again with false.
func (s *MemoryStore) SetUnavailable(down bool) {
	s.unavailable.Store(down)
}

// OpenReaders reports how many read-only handles are currently open.
func (s *MemoryStore) OpenReaders() int {
	return int(s.openReaders.Load())
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.unavailable.Load() {
		return ErrStoreUnavailable
	}
	return nil
}

// CreateLedger implements Client.
func (s *MemoryStore) CreateLedger(ctx context.Context, ensembleSize, writeQuorumSize, ackQuorumSize int, digest DigestType, password []byte) (WriteHandle, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateQuorum(ensembleSize, writeQuorumSize, ackQuorumSize); err != nil {
		return nil, err
	}
	if s.bookies > 0 && ensembleSize > s.bookies {
		return nil, fmt.Errorf("ensemble %d with %d bookies: %w", ensembleSize, s.bookies, ErrNotEnoughBookies)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := &memLedger{
		id:          s.nextID,
		ensemble:    ensembleSize,
		writeQuorum: writeQuorumSize,
		ackQuorum:   ackQuorumSize,
		digestType:  digest,
		fingerprint: passwordFingerprint(password),
		digest:      newDigester(digest, password),
	}
	s.ledgers[l.id] = l
	s.nextID++
	return &memHandle{store: s, ledger: l, writable: true, lac: -1}, nil
}

// OpenLedger implements Client.
func (s *MemoryStore) OpenLedger(ctx context.Context, ledgerID int64, digest DigestType, password []byte) (ReadHandle, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	l, err := s.lookup(ledgerID)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(ledgerID, l.digestType, l.fingerprint, digest, password); err != nil {
		return nil, err
	}

	l.mu.RLock()
	lac := int64(len(l.entries)) - 1
	l.mu.RUnlock()

	s.openReaders.Add(1)
	return &memHandle{store: s, ledger: l, lac: lac}, nil
}

// DeleteLedger implements Client.
func (s *MemoryStore) DeleteLedger(ctx context.Context, ledgerID int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	l, ok := s.ledgers[ledgerID]
	if ok {
		delete(s.ledgers, ledgerID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete ledger %d: %w", ledgerID, ErrNoSuchLedger)
	}

	l.mu.Lock()
	l.deleted = true
	l.entries = nil
	l.mu.Unlock()
	return nil
}

// ProcessLedgers implements Client.
func (s *MemoryStore) ProcessLedgers(ctx context.Context, processor func(ledgerID int64), done func(err error)) {
	if err := s.check(ctx); err != nil {
		go done(err)
		return
	}

	s.mu.RLock()
	ids := make([]int64, 0, len(s.ledgers))
	for id := range s.ledgers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	go func() {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				done(err)
				return
			}
			processor(id)
		}
		done(nil)
	}()
}

// Ping implements Client.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx)
}

// Close implements Client.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lookup(ledgerID int64) (*memLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[ledgerID]
	if !ok {
		return nil, fmt.Errorf("ledger %d: %w", ledgerID, ErrNoSuchLedger)
	}
	return l, nil
}

// memHandle serves as both reader and writer; writable gates AddEntry.
type memHandle struct {
	store    *MemoryStore
	ledger   *memLedger
	writable bool
	closed   atomic.Bool

	mu  sync.Mutex
	lac int64
}

func (h *memHandle) ID() int64 { return h.ledger.id }

func (h *memHandle) LastAddConfirmed() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lac
}

func (h *memHandle) setLAC(lac int64) {
	h.mu.Lock()
	if lac > h.lac {
		h.lac = lac
	}
	h.mu.Unlock()
}

func (h *memHandle) ready(ctx context.Context) error {
	if err := h.store.check(ctx); err != nil {
		return err
	}
	if h.closed.Load() {
		return fmt.Errorf("ledger %d: %w", h.ledger.id, ErrLedgerClosed)
	}
	return nil
}

// AddEntry implements WriteHandle.
func (h *memHandle) AddEntry(ctx context.Context, data []byte) (int64, error) {
	if !h.writable {
		return 0, fmt.Errorf("ledger %d opened read-only: %w", h.ledger.id, ErrLedgerClosed)
	}
	if err := h.ready(ctx); err != nil {
		return 0, err
	}

	l := h.ledger
	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return 0, fmt.Errorf("ledger %d: %w", l.id, ErrNoSuchLedger)
	}
	if l.sealed {
		l.mu.Unlock()
		return 0, fmt.Errorf("ledger %d: %w", l.id, ErrLedgerClosed)
	}
	entryID := int64(len(l.entries))
	payload := append([]byte(nil), data...)
	l.entries = append(l.entries, memEntry{
		payload: payload,
		digest:  l.digest.sum(l.id, entryID, payload),
	})
	l.mu.Unlock()

	h.setLAC(entryID)
	return entryID, nil
}

// ReadEntries implements ReadHandle.
func (h *memHandle) ReadEntries(ctx context.Context, first, last int64) ([]Entry, error) {
	if err := h.ready(ctx); err != nil {
		return nil, err
	}

	l := h.ledger
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.deleted {
		return nil, fmt.Errorf("ledger %d: %w", l.id, ErrNoSuchLedger)
	}
	lac := int64(len(l.entries)) - 1
	if first < 0 || first > last || last > lac {
		return nil, fmt.Errorf("ledger %d entries %d..%d (lac %d): %w", l.id, first, last, lac, ErrNoSuchEntry)
	}

	out := make([]Entry, 0, last-first+1)
	for id := first; id <= last; id++ {
		e := l.entries[id]
		if err := l.digest.verify(l.id, id, e.payload, e.digest); err != nil {
			return nil, err
		}
		out = append(out, Entry{
			LedgerID: l.id,
			EntryID:  id,
			Length:   int64(len(e.payload)),
			Payload:  append([]byte(nil), e.payload...),
		})
	}
	return out, nil
}

// ReadLastAddConfirmed implements ReadHandle.
func (h *memHandle) ReadLastAddConfirmed(ctx context.Context) (int64, error) {
	if err := h.ready(ctx); err != nil {
		return 0, err
	}
	l := h.ledger
	l.mu.RLock()
	deleted := l.deleted
	lac := int64(len(l.entries)) - 1
	l.mu.RUnlock()
	if deleted {
		return 0, fmt.Errorf("ledger %d: %w", l.id, ErrNoSuchLedger)
	}
	h.setLAC(lac)
	return lac, nil
}

// ReadLastEntry implements ReadHandle.
func (h *memHandle) ReadLastEntry(ctx context.Context) (Entry, error) {
	lac, err := h.ReadLastAddConfirmed(ctx)
	if err != nil {
		return Entry{}, err
	}
	if lac < 0 {
		return Entry{}, fmt.Errorf("ledger %d is empty: %w", h.ledger.id, ErrNoSuchEntry)
	}
	entries, err := h.ReadEntries(ctx, lac, lac)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// Close implements ReadHandle. Closing a writer seals the ledger.
func (h *memHandle) Close(_ context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.writable {
		h.ledger.mu.Lock()
		h.ledger.sealed = true
		h.ledger.mu.Unlock()
		return nil
	}
	h.store.openReaders.Add(-1)
	return nil
}
