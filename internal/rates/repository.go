package rates

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

// Repository persists rules in billing_rates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `id, scope, scope_key, hourly_rate::text, overtime_multiplier::text, holiday_multiplier::text,
weekend_multiplier::text, min_increment::text, effective_from, effective_until, created_by, created_at, deleted_at`

const precedenceOrder = `CASE scope WHEN 'user' THEN 5 WHEN 'project' THEN 4 WHEN 'client' THEN 3 WHEN 'role' THEN 2 ELSE 0 END DESC,
effective_from DESC, id DESC`

// Insert stores a new rule.
func (r *Repository) Insert(ctx context.Context, rule Rule) (Rule, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO billing_rates
(scope, scope_key, hourly_rate, overtime_multiplier, holiday_multiplier, weekend_multiplier, min_increment,
 effective_from, effective_until, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
RETURNING `+ruleColumns,
		string(rule.Scope), rule.ScopeKey, rule.HourlyRate.String(), rule.OvertimeMultiplier.String(),
		rule.HolidayMultiplier.String(), rule.WeekendMultiplier.String(), rule.MinIncrement.String(),
		rule.EffectiveFrom, rule.EffectiveUntil, rule.CreatedBy)
	return scanRule(row)
}

// Get returns a live rule.
func (r *Repository) Get(ctx context.Context, id int64) (Rule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM billing_rates WHERE id=$1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, fmt.Errorf("rates: rule %d: %w", id, shared.ErrNotFound)
		}
		return Rule{}, err
	}
	return rule, nil
}

// Live returns every live rule.
func (r *Repository) Live(ctx context.Context) ([]Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM billing_rates WHERE deleted_at IS NULL ORDER BY `+precedenceOrder)
}

// List returns one page of live rules matching filter plus the total match count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Rule, int, error) {
	where := ` FROM billing_rates WHERE deleted_at IS NULL`
	args := []any{}
	argIdx := 1
	if filter.Scope != "" {
		where += fmt.Sprintf(" AND scope = $%d", argIdx)
		args = append(args, string(filter.Scope))
		argIdx++
	}
	if filter.ScopeKey != "" {
		where += fmt.Sprintf(" AND scope_key = $%d", argIdx)
		args = append(args, filter.ScopeKey)
		argIdx++
	}
	if filter.On != nil {
		where += fmt.Sprintf(" AND effective_from <= $%d AND (effective_until IS NULL OR effective_until >= $%d)", argIdx, argIdx)
		args = append(args, shared.DateOf(*filter.On))
		argIdx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("rates: count rules: %w", err)
	}
	offset := (filter.Page - 1) * filter.PerPage
	query := fmt.Sprintf("SELECT %s%s ORDER BY %s LIMIT $%d OFFSET $%d", ruleColumns, where, precedenceOrder, argIdx, argIdx+1)
	args = append(args, filter.PerPage, offset)
	rules, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// SoftDelete stamps deleted_at unless a global rule would leave no backstop behind.
func (r *Repository) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE billing_rates SET deleted_at=$2
WHERE id=$1 AND deleted_at IS NULL
  AND (scope <> 'global' OR EXISTS (
	SELECT 1 FROM billing_rates o
	WHERE o.scope='global' AND o.deleted_at IS NULL AND o.id <> $1
	  AND o.effective_until IS NULL AND o.effective_from <= $3))`, id, at, GlobalEpoch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("rates: rule %d would leave no global backstop: %w", id, shared.ErrPrecondition)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row pgx.Row) (Rule, error) {
	var (
		rule                                 Rule
		scope                                string
		rate, overtime, holiday, weekend, mi string
	)
	if err := row.Scan(&rule.ID, &scope, &rule.ScopeKey, &rate, &overtime, &holiday, &weekend, &mi,
		&rule.EffectiveFrom, &rule.EffectiveUntil, &rule.CreatedBy, &rule.CreatedAt, &rule.DeletedAt); err != nil {
		return Rule{}, err
	}
	rule.Scope = Scope(scope)
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&rule.HourlyRate, rate},
		{&rule.OvertimeMultiplier, overtime},
		{&rule.HolidayMultiplier, holiday},
		{&rule.WeekendMultiplier, weekend},
		{&rule.MinIncrement, mi},
	} {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Rule{}, fmt.Errorf("rates: scan rule %d: %w", rule.ID, err)
		}
		*f.dst = v
	}
	return rule, nil
}
