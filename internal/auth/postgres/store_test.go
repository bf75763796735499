// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/pkg/errutil"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		mock.Close()
	})
	return mock, NewStore(mock)
}

func userRow(u *auth.User) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "email", "password_hash", "status", "user_group",
		"credentials_not_before", "version", "created_at", "updated_at",
	}).AddRow(u.ID.String(), u.Email, u.PasswordHash, string(u.Status), string(u.Group),
		nullTime(u.CredentialsNotBefore), u.Version, u.CreatedAt, u.UpdatedAt)
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, auth.ErrConflict},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, auth.ErrConflict},
		{"duplicate email", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: emailConstraint}, auth.ErrDuplicateEmail},
		{"other unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "one_time_tokens_outstanding_key"}, auth.ErrConflict},
		{"missing user", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, auth.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("TEST_FAILED", tt.err)
			assert.ErrorIs(t, err, tt.want)
			errutil.AssertErrorCode(t, err, "TEST_FAILED")
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		boom := errors.New("connection refused")
		err := storeError("TEST_FAILED", boom)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, auth.KindInternal, auth.KindOf(err))
	})
}

func TestInTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits and routes queries through the tx", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM access_token_denylist`).
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectCommit()

		err := s.InTransaction(ctx, func(ctx context.Context) error {
			_, err := s.Denylist().DeleteExpired(ctx, now)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		mock, s := newMock(t)
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := s.InTransaction(ctx, func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	})

	t.Run("nested calls join the outer tx", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit()

		err := s.InTransaction(ctx, func(ctx context.Context) error {
			return s.InTransaction(ctx, func(context.Context) error { return nil })
		})
		require.NoError(t, err)
	})

	t.Run("serialization failure on commit is a conflict", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: pgerrcode.SerializationFailure})

		err := s.InTransaction(ctx, func(context.Context) error { return nil })
		require.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorCode(t, err, "TX_COMMIT_FAILED")
	})

	t.Run("begin failure", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

		err := s.InTransaction(ctx, func(context.Context) error { return nil })
		errutil.AssertErrorCode(t, err, "TX_BEGIN_FAILED")
	})
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	u, err := auth.NewUser("ada@example.com", "hash", auth.GroupUser, now)
	require.NoError(t, err)

	t.Run("create maps the email index to duplicate email", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`INSERT INTO users`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: emailConstraint})

		err := s.Users().Create(ctx, u)
		assert.ErrorIs(t, err, auth.ErrDuplicateEmail)
	})

	t.Run("get by email", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery(`SELECT .* FROM users WHERE LOWER\(email\) = LOWER\(\$1\)`).
			WithArgs("ada@example.com").
			WillReturnRows(userRow(u))

		got, err := s.Users().GetByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, auth.StatusPending, got.Status)
		assert.True(t, got.CredentialsNotBefore.IsZero())
	})

	t.Run("get by id not found", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).
			WithArgs(u.ID.String()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		_, err := s.Users().GetByID(ctx, u.ID)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "USER_NOT_FOUND")
	})

	t.Run("update bumps version", func(t *testing.T) {
		mock, s := newMock(t)
		copyU := *u
		mock.ExpectExec(`UPDATE users`).
			WithArgs(u.ID.String(), int64(1), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.Users().Update(ctx, &copyU))
		assert.Equal(t, int64(2), copyU.Version)
	})

	t.Run("stale update is a conflict", func(t *testing.T) {
		mock, s := newMock(t)
		copyU := *u
		mock.ExpectExec(`UPDATE users`).
			WithArgs(u.ID.String(), int64(1), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT version FROM users`).
			WithArgs(u.ID.String()).
			WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(3)))

		err := s.Users().Update(ctx, &copyU)
		assert.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorContext(t, err, "stored_version", int64(3))
		assert.Equal(t, int64(1), copyU.Version)
	})

	t.Run("update of a missing user", func(t *testing.T) {
		mock, s := newMock(t)
		copyU := *u
		mock.ExpectExec(`UPDATE users`).
			WithArgs(u.ID.String(), int64(1), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT version FROM users`).
			WithArgs(u.ID.String()).
			WillReturnRows(pgxmock.NewRows([]string{"version"}))

		assert.ErrorIs(t, s.Users().Update(ctx, &copyU), auth.ErrNotFound)
	})
}

func TestOneTimeTokenRepository(t *testing.T) {
	ctx := context.Background()
	token := &auth.OneTimeToken{
		ID: ulid.Make(), UserID: ulid.Make(), Purpose: auth.PurposeActivation,
		TokenHash: "hash", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}

	t.Run("replace deletes the outstanding token first", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`DELETE FROM one_time_tokens`).
			WithArgs(token.UserID.String(), "activation").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`INSERT INTO one_time_tokens`).
			WithArgs(token.ID.String(), token.UserID.String(), "activation", "hash", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.OneTimeTokens().Replace(ctx, token))
	})

	t.Run("concurrent replace is a conflict", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`DELETE FROM one_time_tokens`).
			WithArgs(token.UserID.String(), "activation").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(`INSERT INTO one_time_tokens`).
			WithArgs(token.ID.String(), token.UserID.String(), "activation", "hash", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "one_time_tokens_outstanding_key"})

		assert.ErrorIs(t, s.OneTimeTokens().Replace(ctx, token), auth.ErrConflict)
	})

	t.Run("get by hash", func(t *testing.T) {
		mock, s := newMock(t)
		consumed := now.Add(time.Minute)
		mock.ExpectQuery(`SELECT .* FROM one_time_tokens`).
			WithArgs("activation", "hash").
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "purpose", "token_hash", "expires_at", "created_at", "consumed_at"}).
				AddRow(token.ID.String(), token.UserID.String(), "activation", "hash", token.ExpiresAt, token.CreatedAt, &consumed))

		got, err := s.OneTimeTokens().GetByHash(ctx, auth.PurposeActivation, "hash")
		require.NoError(t, err)
		assert.Equal(t, token.ID, got.ID)
		assert.True(t, got.IsConsumed())
	})

	t.Run("lost consume race", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`UPDATE one_time_tokens SET consumed_at`).
			WithArgs(token.ID.String(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.OneTimeTokens().Consume(ctx, token.ID, now)
		assert.ErrorIs(t, err, auth.ErrConflict)
		errutil.AssertErrorCode(t, err, "TOKEN_CONSUME_CONFLICT")
	})

	t.Run("delete expired", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`DELETE FROM one_time_tokens WHERE expires_at < \$1`).
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 4))

		n, err := s.OneTimeTokens().DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})
}

func TestRefreshTokenRepository(t *testing.T) {
	ctx := context.Background()
	id, successor, userID := ulid.Make(), ulid.Make(), ulid.Make()

	t.Run("get by hash parses successor", func(t *testing.T) {
		mock, s := newMock(t)
		revoked := now
		next := successor.String()
		mock.ExpectQuery(`SELECT .* FROM refresh_tokens`).
			WithArgs("hash").
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "token_hash", "issued_at", "expires_at", "revoked_at", "replaced_by"}).
				AddRow(id.String(), userID.String(), "hash", now, now.Add(time.Hour), &revoked, &next))

		got, err := s.RefreshTokens().GetByHash(ctx, "hash")
		require.NoError(t, err)
		require.NotNil(t, got.ReplacedBy)
		assert.Equal(t, successor, *got.ReplacedBy)
		assert.True(t, got.IsRevoked())
	})

	t.Run("get by hash not found", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery(`SELECT .* FROM refresh_tokens`).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		_, err := s.RefreshTokens().GetByHash(ctx, "missing")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("revoke of a revoked token is a conflict", func(t *testing.T) {
		mock, s := newMock(t)
		next := successor.String()
		mock.ExpectExec(`UPDATE refresh_tokens SET revoked_at = \$2, replaced_by = \$3`).
			WithArgs(id.String(), pgxmock.AnyArg(), &next).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.RefreshTokens().Revoke(ctx, id, now, &successor)
		assert.ErrorIs(t, err, auth.ErrConflict)
	})

	t.Run("revoke all returns the count", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`UPDATE refresh_tokens SET revoked_at = \$2\s+WHERE user_id = \$1`).
			WithArgs(userID.String(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 3))

		n, err := s.RefreshTokens().RevokeAllForUser(ctx, userID, now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("create for a missing user", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`INSERT INTO refresh_tokens`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})

		err := s.RefreshTokens().Create(ctx, &auth.RefreshToken{ID: id, UserID: userID, TokenHash: "h", IssuedAt: now, ExpiresAt: now})
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestDenylist(t *testing.T) {
	ctx := context.Background()

	t.Run("is denied", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("jti", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		denied, err := s.Denylist().IsDenied(ctx, "jti", now)
		require.NoError(t, err)
		assert.True(t, denied)
	})

	t.Run("deny failure", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec(`INSERT INTO access_token_denylist`).
			WithArgs("jti", pgxmock.AnyArg()).
			WillReturnError(errors.New("connection refused"))

		err := s.Denylist().Deny(ctx, "jti", now)
		errutil.AssertErrorCode(t, err, "DENYLIST_INSERT_FAILED")
	})
}
