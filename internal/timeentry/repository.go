package timeentry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/workflow"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries persists entries in the time_entries table.
type Queries struct {
	db DBTX
}

// NewQueries binds queries to a pool or transaction.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

const entryColumns = `id, timesheet_id, user_id, project_id, entry_date, hours::text, is_billable, kind,
COALESCE(task_id, 0), description, billable_override, status, created_at, updated_at, deleted_at`

// ListByTimesheet returns the live entries of a timesheet ordered by date then id.
func (q *Queries) ListByTimesheet(ctx context.Context, timesheetID int64) ([]Entry, error) {
	rows, err := q.db.Query(ctx, `SELECT `+entryColumns+` FROM time_entries
WHERE timesheet_id=$1 AND deleted_at IS NULL ORDER BY entry_date, id`, timesheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns a live entry by id.
func (q *Queries) Get(ctx context.Context, id int64) (Entry, error) {
	e, err := scanEntry(q.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE id=$1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, fmt.Errorf("timeentry: entry %d: %w", id, shared.ErrNotFound)
		}
		return Entry{}, err
	}
	return e, nil
}

// Insert stores e and returns its id.
func (q *Queries) Insert(ctx context.Context, e Entry) (int64, error) {
	taskID, description, override := kindColumns(e.Kind)
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO time_entries
(timesheet_id, user_id, project_id, entry_date, hours, is_billable, kind, task_id, description, billable_override, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,0),$9,$10,$11,NOW(),NOW()) RETURNING id`,
		e.TimesheetID, e.UserID, e.ProjectID, e.Date, e.Hours.String(), e.Billable, string(e.Kind.Name()),
		taskID, description, override, string(e.Status)).Scan(&id)
	return id, err
}

// Update rewrites the mutable fields of e.
func (q *Queries) Update(ctx context.Context, e Entry) error {
	taskID, description, override := kindColumns(e.Kind)
	tag, err := q.db.Exec(ctx, `UPDATE time_entries SET project_id=$2, entry_date=$3, hours=$4, is_billable=$5,
kind=$6, task_id=NULLIF($7,0), description=$8, billable_override=$9, status=$10, updated_at=NOW()
WHERE id=$1 AND deleted_at IS NULL`,
		e.ID, e.ProjectID, e.Date, e.Hours.String(), e.Billable, string(e.Kind.Name()), taskID, description, override, string(e.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("timeentry: entry %d: %w", e.ID, shared.ErrNotFound)
	}
	return nil
}

// SoftDelete stamps deleted_at.
func (q *Queries) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	tag, err := q.db.Exec(ctx, `UPDATE time_entries SET deleted_at=$2, updated_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("timeentry: entry %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// SetStatus moves the given live entries to status.
func (q *Queries) SetStatus(ctx context.Context, ids []int64, status workflow.Status) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `UPDATE time_entries SET status=$2, updated_at=NOW() WHERE id = ANY($1) AND deleted_at IS NULL`, ids, string(status))
	return err
}

func kindColumns(k Kind) (int64, string, bool) {
	switch v := k.(type) {
	case ProjectTask:
		return v.TaskID, "", false
	case CustomTask:
		return 0, v.Description, v.BillableOverride
	}
	return 0, "", false
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e           Entry
		hours       string
		kind        string
		taskID      int64
		description string
		override    bool
		status      string
	)
	if err := row.Scan(&e.ID, &e.TimesheetID, &e.UserID, &e.ProjectID, &e.Date, &hours, &e.Billable, &kind,
		&taskID, &description, &override, &status, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt); err != nil {
		return Entry{}, err
	}
	var err error
	if e.Hours, err = decimal.NewFromString(hours); err != nil {
		return Entry{}, fmt.Errorf("timeentry: entry %d hours: %w", e.ID, err)
	}
	if e.Kind, err = KindFrom(KindName(kind), taskID, description, override); err != nil {
		return Entry{}, err
	}
	e.Status = workflow.Status(status)
	return e, nil
}

// CheckAssignment verifies a project_task entry references a task of the entry's project
// that the user is assigned to.
func CheckAssignment(ctx context.Context, dir directory.Directory, userID int64, e Entry) error {
	if _, err := dir.GetProject(ctx, e.ProjectID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("timeentry: project %d: %w", e.ProjectID, shared.ErrValidation)
		}
		return err
	}
	k, ok := e.Kind.(ProjectTask)
	if !ok {
		return nil
	}
	task, err := dir.GetTask(ctx, k.TaskID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("timeentry: task %d: %w", k.TaskID, shared.ErrValidation)
		}
		return err
	}
	if task.ProjectID != e.ProjectID {
		return fmt.Errorf("timeentry: task %d not in project %d: %w", task.ID, e.ProjectID, shared.ErrValidation)
	}
	assigned, err := dir.IsTaskAssigned(ctx, task.ID, userID)
	if err != nil {
		return err
	}
	if !assigned {
		return fmt.Errorf("timeentry: user %d not assigned to task %d: %w", userID, task.ID, shared.ErrValidation)
	}
	return nil
}
