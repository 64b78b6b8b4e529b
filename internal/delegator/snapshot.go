package delegator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotStatus is the lifecycle of a staged result.
type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "pending"
	SnapshotApplied   SnapshotStatus = "applied"
	SnapshotDiscarded SnapshotStatus = "discarded"
)

// SnapshotMetadata summarizes the captured result.
type SnapshotMetadata struct {
	FileCount    int      `json:"fileCount"`
	TotalBytes   int64    `json:"totalBytes"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
}

// Snapshot is a deferred application of an executor result to the
// delegator's original resources.
type Snapshot struct {
	ID           string           `json:"id"`
	DelegationID string           `json:"delegationId"`
	Summary      string           `json:"summary"`
	Highlights   []string         `json:"highlights,omitempty"`
	Status       SnapshotStatus   `json:"status"`
	LocalPath    string           `json:"localPath,omitempty"`
	Metadata     SnapshotMetadata `json:"metadata"`
	CreatedAt    time.Time        `json:"createdAt"`
	AppliedAt    *time.Time       `json:"appliedAt,omitempty"`
}

// snapshotStore keeps snapshots in memory, keyed by delegation.
type snapshotStore struct {
	mu       sync.RWMutex
	byID     map[string]*Snapshot
	byDelgtn map[string][]*Snapshot
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{
		byID:     make(map[string]*Snapshot),
		byDelgtn: make(map[string][]*Snapshot),
	}
}

func (s *snapshotStore) add(delegationID, summary string, highlights []string) *Snapshot {
	snap := &Snapshot{
		ID:           uuid.New().String(),
		DelegationID: delegationID,
		Summary:      summary,
		Highlights:   highlights,
		Status:       SnapshotPending,
		CreatedAt:    time.Now().UTC(),
	}
	s.mu.Lock()
	s.byID[snap.ID] = snap
	s.byDelgtn[delegationID] = append(s.byDelgtn[delegationID], snap)
	s.mu.Unlock()
	return snap
}

func (s *snapshotStore) get(id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	return snap, nil
}

func (s *snapshotStore) forDelegation(delegationID string) []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Snapshot, len(s.byDelgtn[delegationID]))
	copy(out, s.byDelgtn[delegationID])
	return out
}

// markApplied flips pending → applied; applying an applied snapshot is a
// no-op, applying a discarded one is an error.
func (s *snapshotStore) markApplied(id string) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("snapshot %s not found", id)
	}
	switch snap.Status {
	case SnapshotApplied:
		return snap, false, nil
	case SnapshotDiscarded:
		return nil, false, fmt.Errorf("snapshot %s already discarded", id)
	}
	now := time.Now().UTC()
	snap.Status = SnapshotApplied
	snap.AppliedAt = &now
	return snap, true, nil
}

func (s *snapshotStore) markDiscarded(id string) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("snapshot %s not found", id)
	}
	switch snap.Status {
	case SnapshotDiscarded:
		return snap, false, nil
	case SnapshotApplied:
		return nil, false, fmt.Errorf("snapshot %s already applied", id)
	}
	snap.Status = SnapshotDiscarded
	return snap, true, nil
}

func (s *snapshotStore) remove(delegationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.byDelgtn[delegationID] {
		delete(s.byID, snap.ID)
	}
	delete(s.byDelgtn, delegationID)
}
