package timesheet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/workflow"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Timesheet, error)
	Create(ctx context.Context, ts Timesheet) (Timesheet, error)
	UpdateHeader(ctx context.Context, ts Timesheet) (int64, error)
	SoftDelete(ctx context.Context, id int64, at time.Time) error
	InsertEntry(ctx context.Context, e timeentry.Entry) (int64, error)
	UpdateEntry(ctx context.Context, e timeentry.Entry) error
	DeleteEntry(ctx context.Context, id int64, at time.Time) error
	SetEntryStatus(ctx context.Context, ids []int64, status workflow.Status) error
}

type txRepo struct {
	tx      pgx.Tx
	entries *timeentry.Queries
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx, entries: timeentry.NewQueries(tx)}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const headerColumns = `id, user_id, week_start, status, submitted_at,
COALESCE(lead_approver_id, 0), lead_acted_at, lead_reason,
COALESCE(manager_approver_id, 0), manager_acted_at, manager_reason,
COALESCE(management_approver_id, 0), management_acted_at, management_reason,
frozen, snapshot_id, version, created_at, updated_at, deleted_at`

// Get returns a live timesheet and its live entries.
func (r *Repository) Get(ctx context.Context, id int64) (Timesheet, error) {
	ts, err := scanHeader(r.pool.QueryRow(ctx, `SELECT `+headerColumns+` FROM timesheets WHERE id=$1 AND deleted_at IS NULL`, id))
	if err != nil {
		return Timesheet{}, notFound(err, id)
	}
	ts.Entries, err = timeentry.NewQueries(r.pool).ListByTimesheet(ctx, ts.ID)
	return ts, err
}

// FindByOwnerWeek returns the live timesheet of a user for a week.
func (r *Repository) FindByOwnerWeek(ctx context.Context, userID int64, week time.Time) (Timesheet, error) {
	ts, err := scanHeader(r.pool.QueryRow(ctx, `SELECT `+headerColumns+` FROM timesheets
WHERE user_id=$1 AND week_start=$2 AND deleted_at IS NULL`, userID, shared.WeekStart(week)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Timesheet{}, fmt.Errorf("timesheet: user %d week %s: %w", userID, shared.FormatWeek(week), shared.ErrNotFound)
		}
		return Timesheet{}, err
	}
	ts.Entries, err = timeentry.NewQueries(r.pool).ListByTimesheet(ctx, ts.ID)
	return ts, err
}

// ListForWeek lists live timesheets of a week with entries.
func (r *Repository) ListForWeek(ctx context.Context, filter ListFilter) ([]Timesheet, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM timesheets t
WHERE t.week_start=$1 AND t.deleted_at IS NULL
  AND ($2::bigint = 0 OR t.user_id=$2)
  AND ($3::bigint = 0 OR EXISTS (SELECT 1 FROM time_entries e WHERE e.timesheet_id=t.id AND e.project_id=$3 AND e.deleted_at IS NULL))
ORDER BY t.user_id, t.id`, filter.WeekStart, filter.UserID, filter.ProjectID)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, rows)
}

// ListFrozenWithoutSnapshot lists frozen timesheets whose snapshot has not been taken.
func (r *Repository) ListFrozenWithoutSnapshot(ctx context.Context, limit int) ([]Timesheet, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM timesheets
WHERE status=$1 AND snapshot_id IS NULL AND deleted_at IS NULL ORDER BY id LIMIT $2`, string(workflow.StatusFrozen), limit)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, rows)
}

func (r *Repository) collect(ctx context.Context, rows pgx.Rows) ([]Timesheet, error) {
	var out []Timesheet
	for rows.Next() {
		ts, err := scanHeader(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	q := timeentry.NewQueries(r.pool)
	for i := range out {
		entries, err := q.ListByTimesheet(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Entries = entries
	}
	return out, nil
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Timesheet, error) {
	ts, err := scanHeader(t.tx.QueryRow(ctx, `SELECT `+headerColumns+` FROM timesheets WHERE id=$1 AND deleted_at IS NULL FOR UPDATE`, id))
	if err != nil {
		return Timesheet{}, notFound(err, id)
	}
	ts.Entries, err = t.entries.ListByTimesheet(ctx, ts.ID)
	return ts, err
}

func (t *txRepo) Create(ctx context.Context, ts Timesheet) (Timesheet, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO timesheets (user_id, week_start, status, version, created_at, updated_at)
VALUES ($1, $2, $3, 1, NOW(), NOW()) RETURNING id, version, created_at, updated_at`,
		ts.UserID, ts.WeekStart, string(ts.Status)).Scan(&ts.ID, &ts.Version, &ts.CreatedAt, &ts.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Timesheet{}, fmt.Errorf("timesheet: user %d week %s: %w", ts.UserID, shared.FormatWeek(ts.WeekStart), shared.ErrConflict)
		}
		return Timesheet{}, err
	}
	return ts, nil
}

// UpdateHeader writes status, slots and snapshot reference guarded by the version column.
func (t *txRepo) UpdateHeader(ctx context.Context, ts Timesheet) (int64, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `UPDATE timesheets SET status=$3, submitted_at=$4,
lead_approver_id=NULLIF($5,0), lead_acted_at=$6, lead_reason=$7,
manager_approver_id=NULLIF($8,0), manager_acted_at=$9, manager_reason=$10,
management_approver_id=NULLIF($11,0), management_acted_at=$12, management_reason=$13,
frozen=$14, snapshot_id=$15, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2 AND deleted_at IS NULL RETURNING version`,
		ts.ID, ts.Version, string(ts.Status), ts.SubmittedAt,
		ts.Lead.ApproverID, ts.Lead.ActedAt, ts.Lead.Reason,
		ts.Manager.ApproverID, ts.Manager.ActedAt, ts.Manager.Reason,
		ts.Management.ApproverID, ts.Management.ActedAt, ts.Management.Reason,
		ts.Frozen, ts.SnapshotID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("timesheet: %d version %d: %w", ts.ID, ts.Version, shared.ErrConflict)
		}
		return 0, err
	}
	return version, nil
}

func (t *txRepo) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `UPDATE time_entries SET deleted_at=$2 WHERE timesheet_id=$1 AND deleted_at IS NULL`, id, at); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE timesheets SET deleted_at=$2, updated_at=$2 WHERE id=$1`, id, at)
	return err
}

func (t *txRepo) InsertEntry(ctx context.Context, e timeentry.Entry) (int64, error) {
	return t.entries.Insert(ctx, e)
}

func (t *txRepo) UpdateEntry(ctx context.Context, e timeentry.Entry) error {
	return t.entries.Update(ctx, e)
}

func (t *txRepo) DeleteEntry(ctx context.Context, id int64, at time.Time) error {
	return t.entries.SoftDelete(ctx, id, at)
}

func (t *txRepo) SetEntryStatus(ctx context.Context, ids []int64, status workflow.Status) error {
	return t.entries.SetStatus(ctx, ids, status)
}

func scanHeader(row pgx.Row) (Timesheet, error) {
	var (
		ts       Timesheet
		status   string
		snapshot *uuid.UUID
	)
	err := row.Scan(&ts.ID, &ts.UserID, &ts.WeekStart, &status, &ts.SubmittedAt,
		&ts.Lead.ApproverID, &ts.Lead.ActedAt, &ts.Lead.Reason,
		&ts.Manager.ApproverID, &ts.Manager.ActedAt, &ts.Manager.Reason,
		&ts.Management.ApproverID, &ts.Management.ActedAt, &ts.Management.Reason,
		&ts.Frozen, &snapshot, &ts.Version, &ts.CreatedAt, &ts.UpdatedAt, &ts.DeletedAt)
	if err != nil {
		return Timesheet{}, err
	}
	ts.Status = workflow.Status(status)
	ts.SnapshotID = snapshot
	return ts, nil
}

func notFound(err error, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("timesheet: %d: %w", id, shared.ErrNotFound)
	}
	return err
}
