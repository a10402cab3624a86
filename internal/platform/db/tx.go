package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/pharmacy/internal/platform/apperr"
)

const DBTxKey contextKey = "db_tx"

// Postgres SQLSTATE codes for transactions that lost a race.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// TxFromContext retrieves the active transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection carried by ctx and
// returns a context that repositories will route through it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxRunner runs units of work in a single READ COMMITTED transaction. It
// prefers the tenant connection from context and falls back to the pool.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// InTx calls fn with a context carrying the transaction. If ctx already
// carries one, fn joins it and the outer caller owns commit and rollback.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.BeginTx(ctx, opts)
	} else if r.pool != nil {
		tx, err = r.pool.BeginTx(ctx, opts)
	} else {
		return errors.New("no database connection available")
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return classifyTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyTxError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classifyTxError marks serialization failures and deadlocks as stale so the
// caller can retry the whole unit of work.
func classifyTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return fmt.Errorf("%w: %s", apperr.ErrStale, pgErr.Message)
		}
	}
	return err
}
