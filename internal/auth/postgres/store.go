// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements the auth repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

// emailConstraint is the case-insensitive unique index on users.email.
const emailConstraint = "users_email_lower_key"

// DB is satisfied by *pgxpool.Pool and by pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier abstracts query execution for both the pool and pgx.Tx so that
// repository methods work within or outside of transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// Store provides every auth repository over one database handle.
type Store struct {
	db DB
}

// NewStore creates a Store backed by db.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

var _ auth.Transactor = (*Store)(nil)

// InTransaction begins a transaction, stores it in context, and calls fn.
// If fn returns nil, the transaction is committed. Otherwise it is rolled
// back. Nested calls join the outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storeError("TX_BEGIN_FAILED", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError("TX_COMMIT_FAILED", err)
	}
	return nil
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.db
}

// Users returns the user repository.
func (s *Store) Users() auth.UserRepository { return &UserRepository{s: s} }

// OneTimeTokens returns the one-time token repository.
func (s *Store) OneTimeTokens() auth.OneTimeTokenRepository { return &OneTimeTokenRepository{s: s} }

// RefreshTokens returns the refresh token repository.
func (s *Store) RefreshTokens() auth.RefreshTokenRepository { return &RefreshTokenRepository{s: s} }

// Denylist returns the access token denylist.
func (s *Store) Denylist() auth.Denylist { return &Denylist{s: s} }

// storeError wraps err under code. PostgreSQL failures that callers act on
// are mapped onto the auth sentinels: serialization failures, deadlocks and
// unique violations become ErrConflict (the email index becomes
// ErrDuplicateEmail) and foreign key violations become ErrNotFound.
func storeError(code string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return oops.Code(code).Wrap(err)
	}

	b := oops.Code(code).
		With("pg_code", pgErr.Code).
		With("pg_message", pgErr.Message).
		With("constraint", pgErr.ConstraintName)
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return b.Wrap(auth.ErrConflict)
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == emailConstraint {
			return b.Wrap(auth.ErrDuplicateEmail)
		}
		return b.Wrap(auth.ErrConflict)
	case pgerrcode.ForeignKeyViolation:
		return b.Wrap(auth.ErrNotFound)
	default:
		return b.Wrap(err)
	}
}

// ulidToStringPtr converts a ULID pointer to a string pointer for SQL
// parameters.
func ulidToStringPtr(id *ulid.ULID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// parseOptionalULID parses an optional ULID column.
func parseOptionalULID(strPtr *string, fieldName string) (*ulid.ULID, error) {
	if strPtr == nil {
		return nil, nil
	}
	id, err := ulid.Parse(*strPtr)
	if err != nil {
		return nil, oops.With("operation", "parse "+fieldName).With(fieldName, *strPtr).Wrap(err)
	}
	return &id, nil
}

// utcPtr normalizes a nullable timestamp to UTC.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
