package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/xerrors"
)

// Querier is the subset of pgx used by the services. *pgxpool.Pool, pgx.Tx
// and pgxmock pools all satisfy it, so a service can run inside InTx without
// knowing.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InTx runs fn in a transaction. The transaction is committed when fn returns
// nil and rolled back otherwise.
func InTx(ctx context.Context, q Querier, fn func(Querier) error) error {
	tx, err := q.Begin(ctx)
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return xerrors.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return xerrors.Errorf("commit: %w", err)
	}
	return nil
}
