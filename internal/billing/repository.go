package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/platform/db"
	"github.com/timeledger/timeledger/internal/rates"
	"github.com/timeledger/timeledger/internal/shared"
)

// Repository persists snapshots in billing_snapshots and billing_snapshot_lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const snapshotColumns = `id, timesheet_id, user_id, week_start, timesheet_version, version,
total_worked_hours::text, total_billable_hours::text, total_amount::text, superseded_by, created_by, created_at`

// Save writes the snapshot with its lines and supersedes the previous live one.
func (r *Repository) Save(ctx context.Context, s Snapshot) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var prev *uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM billing_snapshots
WHERE timesheet_id=$1 AND superseded_by IS NULL FOR UPDATE`, s.TimesheetID).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO billing_snapshots
(id, timesheet_id, user_id, week_start, timesheet_version, version, total_worked_hours, total_billable_hours, total_amount, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			s.ID, s.TimesheetID, s.UserID, s.WeekStart, s.TimesheetVersion, s.Version,
			s.TotalWorked.String(), s.TotalBillable.String(), s.TotalAmount.String(), s.CreatedBy, s.CreatedAt)
		if err != nil {
			return err
		}
		if prev != nil {
			if _, err := tx.Exec(ctx, `UPDATE billing_snapshots SET superseded_by=$2 WHERE id=$1`, *prev, s.ID); err != nil {
				return err
			}
		}
		batch := &pgx.Batch{}
		for i, l := range s.Lines {
			var taskID *int64
			if l.TaskID != 0 {
				taskID = &l.TaskID
			}
			batch.Queue(`INSERT INTO billing_snapshot_lines
(snapshot_id, line_no, entry_id, project_id, task_id, task_label, work_date, worked_hours, billable_hours,
 rate_rule_id, rate_scope, multiplier_kind, multiplier, effective_rate, amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
				s.ID, i+1, l.EntryID, l.ProjectID, taskID, l.TaskLabel, l.Date, l.WorkedHours.String(), l.BillableHours.String(),
				l.RateRuleID, string(l.RateScope), string(l.MultiplierKind), l.Multiplier.String(), l.EffectiveRate.String(), l.Amount.String())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Latest returns the live snapshot of a timesheet with its lines.
func (r *Repository) Latest(ctx context.Context, timesheetID int64) (Snapshot, error) {
	snaps, err := r.load(ctx, `SELECT `+snapshotColumns+` FROM billing_snapshots
WHERE timesheet_id=$1 AND superseded_by IS NULL`, timesheetID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("billing: timesheet %d has no snapshot: %w", timesheetID, shared.ErrNotFound)
	}
	return snaps[0], nil
}

// ListLatest returns live snapshots for weeks in [from, to], optionally for one user.
func (r *Repository) ListLatest(ctx context.Context, from, to time.Time, userID int64) ([]Snapshot, error) {
	return r.load(ctx, `SELECT `+snapshotColumns+` FROM billing_snapshots
WHERE superseded_by IS NULL AND week_start BETWEEN $1 AND $2 AND ($3::bigint = 0 OR user_id = $3::bigint)
ORDER BY week_start, timesheet_id`, from, to, userID)
}

func (r *Repository) load(ctx context.Context, sql string, args ...any) ([]Snapshot, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var (
		snaps []Snapshot
		ids   []string
	)
	for rows.Next() {
		var (
			s                        Snapshot
			worked, billable, amount string
		)
		if err := rows.Scan(&s.ID, &s.TimesheetID, &s.UserID, &s.WeekStart, &s.TimesheetVersion, &s.Version,
			&worked, &billable, &amount, &s.SupersededBy, &s.CreatedBy, &s.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := parseDecimals(field{&s.TotalWorked, worked}, field{&s.TotalBillable, billable}, field{&s.TotalAmount, amount}); err != nil {
			rows.Close()
			return nil, err
		}
		snaps = append(snaps, s)
		ids = append(ids, s.ID.String())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	lineRows, err := r.pool.Query(ctx, `SELECT snapshot_id, entry_id, project_id, COALESCE(task_id, 0), task_label, work_date,
worked_hours::text, billable_hours::text, rate_rule_id, rate_scope, multiplier_kind, multiplier::text, effective_rate::text, amount::text
FROM billing_snapshot_lines WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, line_no`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	index := make(map[uuid.UUID]int, len(snaps))
	for i, s := range snaps {
		index[s.ID] = i
	}
	for lineRows.Next() {
		var (
			snapshotID                                 uuid.UUID
			l                                          Line
			scope, kind                                string
			worked, billable, multiplier, rate, amount string
		)
		if err := lineRows.Scan(&snapshotID, &l.EntryID, &l.ProjectID, &l.TaskID, &l.TaskLabel, &l.Date,
			&worked, &billable, &l.RateRuleID, &scope, &kind, &multiplier, &rate, &amount); err != nil {
			return nil, err
		}
		l.RateScope, l.MultiplierKind = rates.Scope(scope), rates.MultiplierKind(kind)
		if err := parseDecimals(field{&l.WorkedHours, worked}, field{&l.BillableHours, billable},
			field{&l.Multiplier, multiplier}, field{&l.EffectiveRate, rate}, field{&l.Amount, amount}); err != nil {
			return nil, err
		}
		i := index[snapshotID]
		snaps[i].Lines = append(snaps[i].Lines, l)
	}
	return snaps, lineRows.Err()
}

// field pairs a decimal destination with its text column.
type field struct {
	dst *decimal.Decimal
	raw string
}

func parseDecimals(fields ...field) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("billing: parse %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	return nil
}
