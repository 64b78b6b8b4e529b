package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awcp/awcp/internal/delegation"
)

// MemoryRepository keeps delegation records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*delegation.Delegation
}

// Ensure MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*delegation.Delegation)}
}

// Create stores a new record; the id must be unused.
func (r *MemoryRepository) Create(ctx context.Context, d *delegation.Delegation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[d.ID]; exists {
		return fmt.Errorf("delegation %s already exists", d.ID)
	}
	r.records[d.ID] = d
	return nil
}

// Get returns the record for an id.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*delegation.Delegation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// List returns all records ordered by creation time.
func (r *MemoryRepository) List(ctx context.Context) ([]*delegation.Delegation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*delegation.Delegation, 0, len(r.records))
	for _, d := range r.records {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update is a no-op existence check: records are shared pointers and the
// state machine mutates them in place.
func (r *MemoryRepository) Update(ctx context.Context, d *delegation.Delegation) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.records[d.ID]; !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	delete(r.records, id)
	return nil
}

// PruneTerminal drops terminal records last updated before the cutoff.
func (r *MemoryRepository) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, d := range r.records {
		if d.CurrentState().Terminal() && d.UpdatedAt.Before(before) {
			delete(r.records, id)
			pruned++
		}
	}
	return pruned, nil
}

// Close implements Repository.
func (r *MemoryRepository) Close() error { return nil }
