package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timeledger/timeledger/internal/shared"
)

// MemoryRepository is an in-process RepositoryPort for tests and local tooling.
type MemoryRepository struct {
	mu     sync.Mutex
	rules  []Rule
	nextID int64
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Insert implements RepositoryPort.
func (m *MemoryRepository) Insert(_ context.Context, r Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	r.CreatedAt = time.Now().UTC()
	m.rules = append(m.rules, r)
	return r, nil
}

// Get implements RepositoryPort.
func (m *MemoryRepository) Get(_ context.Context, id int64) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id && r.DeletedAt == nil {
			return r, nil
		}
	}
	return Rule{}, fmt.Errorf("rates: rule %d: %w", id, shared.ErrNotFound)
}

// Live implements RepositoryPort.
func (m *MemoryRepository) Live(_ context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rule
	for _, r := range m.rules {
		if r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

// List implements RepositoryPort.
func (m *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]Rule, int, error) {
	live, _ := m.Live(ctx)
	var matched []Rule
	for _, r := range live {
		if filter.matches(r) {
			matched = append(matched, r)
		}
	}
	start := min((filter.Page-1)*filter.PerPage, len(matched))
	end := min(start+filter.PerPage, len(matched))
	return matched[start:end], len(matched), nil
}

// SoftDelete implements RepositoryPort.
func (m *MemoryRepository) SoftDelete(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	backstops := 0
	for i, r := range m.rules {
		if r.DeletedAt != nil {
			continue
		}
		if r.ID == id {
			idx = i
		} else if r.Backstop() {
			backstops++
		}
	}
	if idx < 0 {
		return fmt.Errorf("rates: rule %d: %w", id, shared.ErrNotFound)
	}
	if m.rules[idx].Scope == ScopeGlobal && backstops == 0 {
		return fmt.Errorf("rates: rule %d would leave no global backstop: %w", id, shared.ErrPrecondition)
	}
	m.rules[idx].DeletedAt = &at
	return nil
}
