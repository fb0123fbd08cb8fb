package billing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/timeledger/timeledger/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort for tests and local tooling.
type MemoryRepository struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Save implements RepositoryPort.
func (r *MemoryRepository) Save(_ context.Context, s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, prev := range r.snapshots {
		if prev.TimesheetID == s.TimesheetID && prev.SupersededBy == nil {
			id := s.ID
			r.snapshots[i].SupersededBy = &id
		}
	}
	s.Lines = slices.Clone(s.Lines)
	r.snapshots = append(r.snapshots, s)
	return nil
}

// Latest implements RepositoryPort.
func (r *MemoryRepository) Latest(_ context.Context, timesheetID int64) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.snapshots {
		if s.TimesheetID == timesheetID && s.SupersededBy == nil {
			return s, nil
		}
	}
	return Snapshot{}, fmt.Errorf("billing: timesheet %d has no snapshot: %w", timesheetID, shared.ErrNotFound)
}

// ListLatest implements RepositoryPort.
func (r *MemoryRepository) ListLatest(_ context.Context, from, to time.Time, userID int64) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, s := range r.snapshots {
		if s.SupersededBy != nil || s.WeekStart.Before(from) || s.WeekStart.After(to) {
			continue
		}
		if userID != 0 && s.UserID != userID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// All returns every stored snapshot, superseded ones included.
func (r *MemoryRepository) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.snapshots)
}
