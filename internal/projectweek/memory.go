package projectweek

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
	mu   sync.Mutex
	aggs map[Key]Aggregate
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{aggs: make(map[Key]Aggregate)}
}

func memoryKey(k Key) Key {
	return Key{ProjectID: k.ProjectID, WeekStart: shared.WeekStart(k.WeekStart)}
}

// Get implements RepositoryPort.
func (r *MemoryRepository) Get(_ context.Context, key Key) (Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.aggs[memoryKey(key)]
	if !ok {
		return Aggregate{}, fmt.Errorf("projectweek: %d/%s: %w", key.ProjectID, shared.FormatWeek(key.WeekStart), shared.ErrNotFound)
	}
	agg.Members = slices.Clone(agg.Members)
	return agg, nil
}

// Save implements RepositoryPort.
func (r *MemoryRepository) Save(_ context.Context, agg Aggregate) (Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memoryKey(agg.Key())
	stored, ok := r.aggs[k]
	if (!ok && agg.Version != 0) || (ok && stored.Version != agg.Version) {
		return Aggregate{}, fmt.Errorf("projectweek: %d/%s version %d: %w", agg.ProjectID, shared.FormatWeek(agg.WeekStart), agg.Version, shared.ErrConflict)
	}
	agg.Version++
	agg.Members = slices.Clone(agg.Members)
	r.aggs[k] = agg
	return agg, nil
}

// KeysForTimesheet implements RepositoryPort.
func (r *MemoryRepository) KeysForTimesheet(_ context.Context, timesheetID int64) ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Key
	for k, agg := range r.aggs {
		for _, m := range agg.Members {
			if m.TimesheetID == timesheetID {
				out = append(out, k)
				break
			}
		}
	}
	sortKeys(out)
	return out, nil
}

// KeysForWeek implements RepositoryPort.
func (r *MemoryRepository) KeysForWeek(_ context.Context, week time.Time) ([]Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := shared.WeekStart(week)
	var out []Key
	for k := range r.aggs {
		if k.WeekStart.Equal(start) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, nil
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		if c := a.WeekStart.Compare(b.WeekStart); c != 0 {
			return c
		}
		return int(a.ProjectID - b.ProjectID)
	})
}
