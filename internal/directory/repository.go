package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/shared"
)

// Repository provides PostgreSQL backed directory lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetUser returns an active or inactive user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	var role, rate string
	err := r.pool.QueryRow(ctx, `SELECT id, name, email, role, COALESCE(hourly_rate, 0)::text, active FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &role, &rate, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("directory: user %d: %w", id, shared.ErrNotFound)
		}
		return User{}, err
	}
	u.Role = Role(role)
	if u.HourlyRate, err = decimal.NewFromString(rate); err != nil {
		return User{}, fmt.Errorf("directory: user %d hourly rate: %w", id, err)
	}
	return u, nil
}

// GetProject returns a project by id.
func (r *Repository) GetProject(ctx context.Context, id int64) (Project, error) {
	var p Project
	err := r.pool.QueryRow(ctx, `SELECT id, client_id, code, name, active FROM projects WHERE id=$1`, id).
		Scan(&p.ID, &p.ClientID, &p.Code, &p.Name, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, fmt.Errorf("directory: project %d: %w", id, shared.ErrNotFound)
		}
		return Project{}, err
	}
	return p, nil
}

// GetTask returns a task by id.
func (r *Repository) GetTask(ctx context.Context, id int64) (Task, error) {
	var t Task
	err := r.pool.QueryRow(ctx, `SELECT id, project_id, name, active FROM tasks WHERE id=$1`, id).
		Scan(&t.ID, &t.ProjectID, &t.Name, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("directory: task %d: %w", id, shared.ErrNotFound)
		}
		return Task{}, err
	}
	return t, nil
}

// IsTaskAssigned reports whether the user is assigned to the task.
func (r *Repository) IsTaskAssigned(ctx context.Context, taskID, userID int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM task_assignments WHERE task_id=$1 AND user_id=$2)`, taskID, userID).Scan(&ok)
	return ok, err
}

// Memberships lists project memberships overlapping [from, to].
func (r *Repository) Memberships(ctx context.Context, projectID int64, from, to time.Time) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `SELECT project_id, user_id, role, effective_from, effective_until
FROM project_memberships
WHERE project_id=$1 AND effective_from <= $3 AND (effective_until IS NULL OR effective_until >= $2)
ORDER BY user_id, role`, projectID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var m Membership
		var role string
		if err := rows.Scan(&m.ProjectID, &m.UserID, &role, &m.From, &m.Until); err != nil {
			return nil, err
		}
		m.Role = MemberRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// HolidayRepository reads the holidays table.
type HolidayRepository struct {
	pool *pgxpool.Pool
}

// NewHolidayRepository constructs the calendar repository.
func NewHolidayRepository(pool *pgxpool.Pool) *HolidayRepository {
	return &HolidayRepository{pool: pool}
}

// IsHoliday reports whether date is listed in the holidays table.
func (r *HolidayRepository) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM holidays WHERE holiday_date=$1)`, shared.DateOf(date)).Scan(&ok)
	return ok, err
}
