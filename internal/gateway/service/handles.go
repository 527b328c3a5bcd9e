package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

// HandleRegistry holds the writer handles of ledgers created by this process.
// Membership is what makes a ledger appendable through the gateway. Safe for
// concurrent use; each operation is atomic per key.
type HandleRegistry struct {
	mu      sync.RWMutex
	handles map[int64]ledgerstore.WriteHandle
}

// NewHandleRegistry returns an empty registry.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{handles: make(map[int64]ledgerstore.WriteHandle)}
}

// Put registers h under id. A later Put for the same id replaces the earlier
// handle without closing it.
func (r *HandleRegistry) Put(id int64, h ledgerstore.WriteHandle) {
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
}

// Get returns the writer handle for id, if this process owns one.
func (r *HandleRegistry) Get(id int64) (ledgerstore.WriteHandle, bool) {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	return h, ok
}

// Release removes the handle for id and closes it. Releasing an id that is
// not registered is a no-op.
func (r *HandleRegistry) Release(ctx context.Context, id int64) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.Close(ctx); err != nil {
		return fmt.Errorf("close writer for ledger %d: %w", id, err)
	}
	return nil
}

// Len returns the number of registered writer handles.
func (r *HandleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns the registered ledger ids in ascending order.
func (r *HandleRegistry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// CloseAll empties the registry and closes every handle it held. All handles
// are closed even if some fail; the failures are joined.
func (r *HandleRegistry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[int64]ledgerstore.WriteHandle)
	r.mu.Unlock()

	var errs []error
	for id, h := range handles {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close writer for ledger %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
