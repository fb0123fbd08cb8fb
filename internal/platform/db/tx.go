package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timeledger/timeledger/internal/shared"
)

const serializationFailure = "40001"

// WithTx runs fn in a RepeatableRead transaction. A serialization failure is reported as
// shared.ErrConflict so callers can retry or surface 409.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailure {
		return fmt.Errorf("platform/db: %s: %w", pgErr.Message, shared.ErrConflict)
	}
	return err
}
