package projectweek

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/platform/db"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/workflow"
)

// Repository persists aggregates in project_week_aggregates and project_week_members.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads an aggregate and its members.
func (r *Repository) Get(ctx context.Context, key Key) (Aggregate, error) {
	agg := Aggregate{ProjectID: key.ProjectID, WeekStart: key.WeekStart}
	err := r.pool.QueryRow(ctx, `SELECT required, submitted, lead_approved, manager_approved, frozen, rejected, reopened, version, updated_at
FROM project_week_aggregates WHERE project_id=$1 AND week_start=$2`, key.ProjectID, key.WeekStart).
		Scan(&agg.Required, &agg.Submitted, &agg.LeadApproved, &agg.ManagerApproved, &agg.Frozen, &agg.Rejected, &agg.Reopened, &agg.Version, &agg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{}, fmt.Errorf("projectweek: %d/%s: %w", key.ProjectID, shared.FormatWeek(key.WeekStart), shared.ErrNotFound)
		}
		return Aggregate{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT user_id, COALESCE(timesheet_id, 0), required, stage, empty,
worked_hours::text, adjustment_hours::text, billable_hours::text
FROM project_week_members WHERE project_id=$1 AND week_start=$2 ORDER BY user_id`, key.ProjectID, key.WeekStart)
	if err != nil {
		return Aggregate{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                        Member
			stage                    string
			worked, adjust, billable string
		)
		if err := rows.Scan(&m.UserID, &m.TimesheetID, &m.Required, &stage, &m.Empty, &worked, &adjust, &billable); err != nil {
			return Aggregate{}, err
		}
		m.Stage = workflow.Status(stage)
		if m.Worked, err = decimal.NewFromString(worked); err != nil {
			return Aggregate{}, err
		}
		if m.Adjustment, err = decimal.NewFromString(adjust); err != nil {
			return Aggregate{}, err
		}
		if m.Billable, err = decimal.NewFromString(billable); err != nil {
			return Aggregate{}, err
		}
		agg.Members = append(agg.Members, m)
	}
	return agg, rows.Err()
}

// Save inserts a new aggregate or updates an existing one when its version still matches.
func (r *Repository) Save(ctx context.Context, agg Aggregate) (Aggregate, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var version int64
		var err error
		if agg.Version == 0 {
			err = tx.QueryRow(ctx, `INSERT INTO project_week_aggregates
(project_id, week_start, required, submitted, lead_approved, manager_approved, frozen, rejected, reopened, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10)
ON CONFLICT (project_id, week_start) DO NOTHING RETURNING version`,
				agg.ProjectID, agg.WeekStart, agg.Required, agg.Submitted, agg.LeadApproved, agg.ManagerApproved,
				agg.Frozen, agg.Rejected, agg.Reopened, agg.UpdatedAt).Scan(&version)
		} else {
			err = tx.QueryRow(ctx, `UPDATE project_week_aggregates SET required=$4, submitted=$5, lead_approved=$6,
manager_approved=$7, frozen=$8, rejected=$9, reopened=$10, version=version+1, updated_at=$11
WHERE project_id=$1 AND week_start=$2 AND version=$3 RETURNING version`,
				agg.ProjectID, agg.WeekStart, agg.Version, agg.Required, agg.Submitted, agg.LeadApproved,
				agg.ManagerApproved, agg.Frozen, agg.Rejected, agg.Reopened, agg.UpdatedAt).Scan(&version)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("projectweek: %d/%s version %d: %w", agg.ProjectID, shared.FormatWeek(agg.WeekStart), agg.Version, shared.ErrConflict)
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM project_week_members WHERE project_id=$1 AND week_start=$2`, agg.ProjectID, agg.WeekStart); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, m := range agg.Members {
			batch.Queue(`INSERT INTO project_week_members
(project_id, week_start, user_id, timesheet_id, required, stage, empty, worked_hours, adjustment_hours, billable_hours)
VALUES ($1,$2,$3,NULLIF($4,0),$5,$6,$7,$8,$9,$10)`,
				agg.ProjectID, agg.WeekStart, m.UserID, m.TimesheetID, m.Required, string(m.Stage), m.Empty,
				m.Worked.String(), m.Adjustment.String(), m.Billable.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		agg.Version = version
		return nil
	})
	if err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

// KeysForTimesheet lists project-weeks that reference a timesheet.
func (r *Repository) KeysForTimesheet(ctx context.Context, timesheetID int64) ([]Key, error) {
	return r.keys(ctx, `SELECT DISTINCT project_id, week_start FROM project_week_members WHERE timesheet_id=$1 ORDER BY project_id`, timesheetID)
}

// KeysForWeek lists materialized project-weeks of a week.
func (r *Repository) KeysForWeek(ctx context.Context, week time.Time) ([]Key, error) {
	return r.keys(ctx, `SELECT project_id, week_start FROM project_week_aggregates WHERE week_start=$1 ORDER BY project_id`, week)
}

func (r *Repository) keys(ctx context.Context, sql string, arg any) ([]Key, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ProjectID, &k.WeekStart); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
