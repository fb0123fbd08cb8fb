package adjustment

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
	mu     sync.Mutex
	rows   []Adjustment
	nextID int64
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Upsert implements RepositoryPort.
func (r *MemoryRepository) Upsert(_ context.Context, a Adjustment) (Adjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for i, row := range r.rows {
		if row.DeletedAt == nil && row.Scope == a.Scope && row.ProjectID == a.ProjectID &&
			row.TimesheetID == a.TimesheetID && row.UserID == a.UserID {
			a.ID, a.CreatedAt, a.UpdatedAt = row.ID, row.CreatedAt, now
			r.rows[i] = a
			return a, nil
		}
	}
	r.nextID++
	a.ID, a.CreatedAt, a.UpdatedAt = r.nextID, now, now
	r.rows = append(r.rows, a)
	return a, nil
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, id int64) (Adjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id && row.DeletedAt == nil {
			return row, nil
		}
	}
	return Adjustment{}, fmt.Errorf("adjustment: %d: %w", id, shared.ErrNotFound)
}

// ListForTimesheet implements RepositoryPort.
func (r *MemoryRepository) ListForTimesheet(_ context.Context, timesheetID int64) ([]Adjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Adjustment
	for _, row := range r.rows {
		if row.TimesheetID == timesheetID && row.DeletedAt == nil {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b Adjustment) int { return int(a.ID - b.ID) })
	return out, nil
}

// SoftDelete implements RepositoryPort.
func (r *MemoryRepository) SoftDelete(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID == id && row.DeletedAt == nil {
			r.rows[i].DeletedAt = &at
			return nil
		}
	}
	return fmt.Errorf("adjustment: %d: %w", id, shared.ErrNotFound)
}
