package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/store"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "db")}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// InTx runs fn in a read committed transaction. On-commit hooks run after a
// successful commit, in registration order.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: pgTx}
	defer func() {
		if err := pgTx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logging.FromContext(ctx, s.logger).Warn("failed to roll back transaction", "error", err)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

type Tx struct {
	tx    pgx.Tx
	hooks []func(ctx context.Context)
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) OnCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, store.ErrNotFound)
}

// newID returns id, or a fresh v7 id when id is zero.
func newID(id uuid.UUID) uuid.UUID {
	if id != uuid.Nil {
		return id
	}
	return uuid.Must(uuid.NewV7())
}

// execBatch sends every queued statement in one round trip and fails on the
// first error.
func (t *Tx) execBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	results := t.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

// expectRows turns an update that touched nothing into a not found error.
func expectRows(kind string, id any, affected int64) error {
	if affected == 0 {
		return notFound(kind, id)
	}
	return nil
}
