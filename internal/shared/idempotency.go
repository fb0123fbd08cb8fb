package shared

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict reports a key that was already claimed.
var ErrIdempotencyConflict = fmt.Errorf("idempotency key already claimed: %w", ErrConflict)

// KeyClaimer claims a processing key once per module.
type KeyClaimer interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// IdempotencyStore keeps claimed keys in idempotency_keys. Background snapshot runs claim
// one key per frozen timesheet version.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// SnapshotKey names the claim for one frozen timesheet version.
func SnapshotKey(timesheetID int64, version int64) string {
	return fmt.Sprintf("snapshot:%d:v%d", timesheetID, version)
}

// CheckAndInsert claims key for module, or returns ErrIdempotencyConflict when another run
// holds it.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" || module == "" {
		return fmt.Errorf("idempotency key and module required: %w", ErrValidation)
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO NOTHING`, key, module)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a claim after failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return fmt.Errorf("idempotency key required: %w", ErrValidation)
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}
