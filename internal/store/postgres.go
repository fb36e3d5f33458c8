package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrReferenceNotFound = errors.New("referenced entity not found")
	ErrLeaseLost         = errors.New("job is no longer held by this worker")
	ErrNotCancellable    = errors.New("only pending jobs can be cancelled")
)

// Postgres error codes inspected by the store.
const (
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool        *pgxpool.Pool
	now         func() time.Time
	maxAttempts int
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// SetDefaultMaxAttempts sets the attempt budget of jobs enqueued without
// one. Values below 1 restore DefaultMaxAttempts.
func (s *Store) SetDefaultMaxAttempts(n int) {
	s.maxAttempts = n
}

func (s *Store) defaultMaxAttempts() int {
	if s.maxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return s.maxAttempts
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// notFound maps missing rows and malformed ids to ErrNotFound.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || pgCode(err) == codeInvalidText
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
