package adjustment

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

// Repository persists adjustments in billing_adjustments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const adjustmentColumns = `id, scope, project_id, timesheet_id, user_id, total_worked_hours::text, adjustment_hours::text,
total_billable_hours::text, reason, created_by, created_at, updated_at, deleted_at`

// Upsert writes the live adjustment for its key in a single statement.
func (r *Repository) Upsert(ctx context.Context, a Adjustment) (Adjustment, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO billing_adjustments
(scope, project_id, timesheet_id, user_id, total_worked_hours, adjustment_hours, total_billable_hours, reason, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
ON CONFLICT (scope, project_id, timesheet_id, user_id) WHERE deleted_at IS NULL
DO UPDATE SET total_worked_hours=EXCLUDED.total_worked_hours, adjustment_hours=EXCLUDED.adjustment_hours,
	total_billable_hours=EXCLUDED.total_billable_hours, reason=EXCLUDED.reason, created_by=EXCLUDED.created_by, updated_at=NOW()
RETURNING `+adjustmentColumns,
		string(a.Scope), a.ProjectID, a.TimesheetID, a.UserID, a.TotalWorkedHours.String(), a.AdjustmentHours.String(),
		a.TotalBillableHours.String(), a.Reason, a.CreatedBy)
	return scanAdjustment(row)
}

// Get returns a live adjustment.
func (r *Repository) Get(ctx context.Context, id int64) (Adjustment, error) {
	a, err := scanAdjustment(r.pool.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM billing_adjustments WHERE id=$1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, fmt.Errorf("adjustment: %d: %w", id, shared.ErrNotFound)
		}
		return Adjustment{}, err
	}
	return a, nil
}

// ListForTimesheet returns live adjustments of a timesheet ordered by id.
func (r *Repository) ListForTimesheet(ctx context.Context, timesheetID int64) ([]Adjustment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+adjustmentColumns+` FROM billing_adjustments
WHERE timesheet_id=$1 AND deleted_at IS NULL ORDER BY id`, timesheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SoftDelete stamps deleted_at.
func (r *Repository) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE billing_adjustments SET deleted_at=$2, updated_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjustment: %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var (
		a                       Adjustment
		scope                   string
		worked, delta, billable string
	)
	if err := row.Scan(&a.ID, &scope, &a.ProjectID, &a.TimesheetID, &a.UserID, &worked, &delta, &billable,
		&a.Reason, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt); err != nil {
		return Adjustment{}, err
	}
	a.Scope = Scope(scope)
	var err error
	if a.TotalWorkedHours, err = decimal.NewFromString(worked); err != nil {
		return Adjustment{}, err
	}
	if a.AdjustmentHours, err = decimal.NewFromString(delta); err != nil {
		return Adjustment{}, err
	}
	if a.TotalBillableHours, err = decimal.NewFromString(billable); err != nil {
		return Adjustment{}, err
	}
	return a, nil
}
