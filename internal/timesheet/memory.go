package timesheet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/workflow"
)

// MemoryRepository is an in-process RepositoryPort for tests and local tooling.
type MemoryRepository struct {
	mu         sync.Mutex
	timesheets map[int64]Timesheet
	nextID     int64
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{timesheets: make(map[int64]Timesheet)}
}

type memoryTx struct {
	repo    *MemoryRepository
	pending map[int64]Timesheet
}

// WithTx runs fn against a copy of the state and publishes it only when fn succeeds.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, pending: make(map[int64]Timesheet)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, ts := range tx.pending {
		r.timesheets[id] = ts
	}
	return nil
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, id int64) (Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.timesheets[id]
	if !ok || ts.DeletedAt != nil {
		return Timesheet{}, fmt.Errorf("timesheet: %d: %w", id, shared.ErrNotFound)
	}
	return liveCopy(ts), nil
}

// FindByOwnerWeek implements RepositoryPort.
func (r *MemoryRepository) FindByOwnerWeek(_ context.Context, userID int64, week time.Time) (Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := shared.WeekStart(week)
	for _, ts := range r.timesheets {
		if ts.UserID == userID && ts.WeekStart.Equal(start) && ts.DeletedAt == nil {
			return liveCopy(ts), nil
		}
	}
	return Timesheet{}, fmt.Errorf("timesheet: user %d week %s: %w", userID, shared.FormatWeek(week), shared.ErrNotFound)
}

// ListForWeek implements RepositoryPort.
func (r *MemoryRepository) ListForWeek(_ context.Context, filter ListFilter) ([]Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := shared.WeekStart(filter.WeekStart)
	var out []Timesheet
	for _, ts := range r.sorted() {
		if ts.DeletedAt != nil || !ts.WeekStart.Equal(start) {
			continue
		}
		if filter.UserID != 0 && ts.UserID != filter.UserID {
			continue
		}
		ts = liveCopy(ts)
		if filter.ProjectID != 0 && !slices.Contains(ts.Projects(), filter.ProjectID) {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

// ListFrozenWithoutSnapshot implements RepositoryPort.
func (r *MemoryRepository) ListFrozenWithoutSnapshot(_ context.Context, limit int) ([]Timesheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Timesheet
	for _, ts := range r.sorted() {
		if ts.DeletedAt == nil && ts.Status == workflow.StatusFrozen && ts.SnapshotID == nil {
			out = append(out, liveCopy(ts))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) sorted() []Timesheet {
	out := make([]Timesheet, 0, len(r.timesheets))
	for _, ts := range r.timesheets {
		out = append(out, ts)
	}
	slices.SortFunc(out, func(a, b Timesheet) int {
		if a.UserID != b.UserID {
			return int(a.UserID - b.UserID)
		}
		return int(a.ID - b.ID)
	})
	return out
}

func (r *MemoryRepository) next() int64 {
	r.nextID++
	return r.nextID
}

func liveCopy(ts Timesheet) Timesheet {
	ts.Entries = ts.LiveEntries()
	return ts
}

func (t *memoryTx) current(id int64) (Timesheet, bool) {
	if ts, ok := t.pending[id]; ok {
		return ts, true
	}
	ts, ok := t.repo.timesheets[id]
	if ok {
		ts.Entries = slices.Clone(ts.Entries)
	}
	return ts, ok
}

func (t *memoryTx) GetForUpdate(_ context.Context, id int64) (Timesheet, error) {
	ts, ok := t.current(id)
	if !ok || ts.DeletedAt != nil {
		return Timesheet{}, fmt.Errorf("timesheet: %d: %w", id, shared.ErrNotFound)
	}
	ts = liveCopy(ts)
	ts.Entries = slices.Clone(ts.Entries)
	return ts, nil
}

func (t *memoryTx) Create(_ context.Context, ts Timesheet) (Timesheet, error) {
	for _, existing := range t.repo.timesheets {
		if existing.UserID == ts.UserID && existing.WeekStart.Equal(ts.WeekStart) && existing.DeletedAt == nil {
			return Timesheet{}, fmt.Errorf("timesheet: user %d week %s: %w", ts.UserID, shared.FormatWeek(ts.WeekStart), shared.ErrConflict)
		}
	}
	now := time.Now().UTC()
	ts.ID = t.repo.next()
	ts.Version = 1
	ts.CreatedAt, ts.UpdatedAt = now, now
	t.pending[ts.ID] = ts
	return ts, nil
}

func (t *memoryTx) UpdateHeader(_ context.Context, ts Timesheet) (int64, error) {
	stored, ok := t.current(ts.ID)
	if !ok || stored.DeletedAt != nil {
		return 0, fmt.Errorf("timesheet: %d: %w", ts.ID, shared.ErrNotFound)
	}
	if stored.Version != ts.Version {
		return 0, fmt.Errorf("timesheet: %d version %d: %w", ts.ID, ts.Version, shared.ErrConflict)
	}
	entries := stored.Entries
	stored = ts
	stored.Entries = entries
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	t.pending[ts.ID] = stored
	return stored.Version, nil
}

func (t *memoryTx) SoftDelete(_ context.Context, id int64, at time.Time) error {
	ts, ok := t.current(id)
	if !ok {
		return fmt.Errorf("timesheet: %d: %w", id, shared.ErrNotFound)
	}
	ts.DeletedAt = &at
	for i := range ts.Entries {
		if ts.Entries[i].DeletedAt == nil {
			ts.Entries[i].DeletedAt = &at
		}
	}
	t.pending[id] = ts
	return nil
}

func (t *memoryTx) InsertEntry(_ context.Context, e timeentry.Entry) (int64, error) {
	ts, ok := t.current(e.TimesheetID)
	if !ok {
		return 0, fmt.Errorf("timesheet: %d: %w", e.TimesheetID, shared.ErrNotFound)
	}
	e.ID = t.repo.next()
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	ts.Entries = append(ts.Entries, e)
	t.pending[ts.ID] = ts
	return e.ID, nil
}

func (t *memoryTx) UpdateEntry(_ context.Context, e timeentry.Entry) error {
	return t.mutateEntry(e.TimesheetID, e.ID, func(stored *timeentry.Entry) {
		e.UpdatedAt = time.Now().UTC()
		*stored = e
	})
}

func (t *memoryTx) DeleteEntry(_ context.Context, id int64, at time.Time) error {
	for tsID := range t.allIDs() {
		if err := t.mutateEntry(tsID, id, func(stored *timeentry.Entry) { stored.DeletedAt = &at }); err == nil {
			return nil
		}
	}
	return fmt.Errorf("timeentry: entry %d: %w", id, shared.ErrNotFound)
}

func (t *memoryTx) SetEntryStatus(_ context.Context, ids []int64, status workflow.Status) error {
	for _, id := range ids {
		found := false
		for tsID := range t.allIDs() {
			if err := t.mutateEntry(tsID, id, func(stored *timeentry.Entry) { stored.Status = status }); err == nil {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("timeentry: entry %d: %w", id, shared.ErrNotFound)
		}
	}
	return nil
}

func (t *memoryTx) allIDs() map[int64]struct{} {
	ids := make(map[int64]struct{}, len(t.repo.timesheets)+len(t.pending))
	for id := range t.repo.timesheets {
		ids[id] = struct{}{}
	}
	for id := range t.pending {
		ids[id] = struct{}{}
	}
	return ids
}

func (t *memoryTx) mutateEntry(timesheetID, entryID int64, fn func(*timeentry.Entry)) error {
	ts, ok := t.current(timesheetID)
	if !ok {
		return fmt.Errorf("timesheet: %d: %w", timesheetID, shared.ErrNotFound)
	}
	for i := range ts.Entries {
		if ts.Entries[i].ID == entryID && ts.Entries[i].DeletedAt == nil {
			fn(&ts.Entries[i])
			t.pending[timesheetID] = ts
			return nil
		}
	}
	return fmt.Errorf("timeentry: entry %d: %w", entryID, shared.ErrNotFound)
}
