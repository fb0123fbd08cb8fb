package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timeledger/timeledger/internal/shared"
)

// Static is an in-memory Directory used by tests and local tooling.
type Static struct {
	mu          sync.RWMutex
	users       map[int64]User
	projects    map[int64]Project
	tasks       map[int64]Task
	assignments map[[2]int64]bool
	memberships []Membership
}

// NewStatic returns an empty in-memory directory.
func NewStatic() *Static {
	return &Static{
		users:       make(map[int64]User),
		projects:    make(map[int64]Project),
		tasks:       make(map[int64]Task),
		assignments: make(map[[2]int64]bool),
	}
}

// AddUser registers a user.
func (s *Static) AddUser(u User) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Active = true
	s.users[u.ID] = u
	return s
}

// AddProject registers a project.
func (s *Static) AddProject(p Project) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Active = true
	s.projects[p.ID] = p
	return s
}

// AddTask registers a task and assigns it to users.
func (s *Static) AddTask(t Task, assignees ...int64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Active = true
	s.tasks[t.ID] = t
	for _, userID := range assignees {
		s.assignments[[2]int64{t.ID, userID}] = true
	}
	return s
}

// Enrol adds a membership effective from the given date.
func (s *Static) Enrol(projectID, userID int64, role MemberRole, from time.Time) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, Membership{ProjectID: projectID, UserID: userID, Role: role, From: shared.DateOf(from)})
	return s
}

// GetUser implements Directory.
func (s *Static) GetUser(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("directory: user %d: %w", id, shared.ErrNotFound)
	}
	return u, nil
}

// GetProject implements Directory.
func (s *Static) GetProject(_ context.Context, id int64) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("directory: project %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

// GetTask implements Directory.
func (s *Static) GetTask(_ context.Context, id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("directory: task %d: %w", id, shared.ErrNotFound)
	}
	return t, nil
}

// IsTaskAssigned implements Directory.
func (s *Static) IsTaskAssigned(_ context.Context, taskID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignments[[2]int64{taskID, userID}], nil
}

// Memberships implements Directory.
func (s *Static) Memberships(_ context.Context, projectID int64, from, to time.Time) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Membership
	for _, m := range s.memberships {
		if m.ProjectID == projectID && m.ActiveDuring(from, to) {
			out = append(out, m)
		}
	}
	return out, nil
}
