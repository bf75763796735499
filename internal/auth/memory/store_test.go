// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/auth/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s *memory.Store, email string) *auth.User {
	t.Helper()
	u, err := auth.NewUser(email, "hash", auth.GroupUser, now)
	require.NoError(t, err)
	require.NoError(t, s.Users().Create(context.Background(), u))
	return u
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	u := seedUser(t, s, "ada@example.com")

	t.Run("duplicate email is rejected", func(t *testing.T) {
		dup, err := auth.NewUser("ada@example.com", "hash", auth.GroupUser, now)
		require.NoError(t, err)
		err = s.Users().Create(ctx, dup)
		assert.ErrorIs(t, err, auth.ErrDuplicateEmail)
	})

	t.Run("lookup by email and id", func(t *testing.T) {
		byEmail, err := s.Users().GetByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		byID, err := s.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, byEmail, byID)

		_, err = s.Users().GetByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("update bumps version and rejects stale writes", func(t *testing.T) {
		a, err := s.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		b, err := s.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)

		a.Activate(now)
		require.NoError(t, s.Users().Update(ctx, a))
		assert.Equal(t, b.Version+1, a.Version)

		b.SetPasswordHash("other", now)
		assert.ErrorIs(t, s.Users().Update(ctx, b), auth.ErrConflict)

		stored, err := s.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsActive())
		assert.Equal(t, "hash", stored.PasswordHash)
	})

	t.Run("returned users are copies", func(t *testing.T) {
		got, err := s.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		got.PasswordHash = "mutated"

		again, err := s.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.NotEqual(t, "mutated", again.PasswordHash)
	})
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	boom := errors.New("boom")

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		u, err := auth.NewUser("ada@example.com", "hash", auth.GroupUser, now)
		require.NoError(t, err)
		require.NoError(t, s.Users().Create(ctx, u))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Users().GetByEmail(ctx, "ada@example.com")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestNestedTransactionJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		return s.InTransaction(ctx, func(ctx context.Context) error {
			u, err := auth.NewUser("ada@example.com", "hash", auth.GroupUser, now)
			if err != nil {
				return err
			}
			return s.Users().Create(ctx, u)
		})
	})
	require.NoError(t, err)

	_, err = s.Users().GetByEmail(ctx, "ada@example.com")
	assert.NoError(t, err)
}

func TestOneTimeTokens(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	u := seedUser(t, s, "ada@example.com")
	repo := s.OneTimeTokens()

	first := &auth.OneTimeToken{ID: ulid.Make(), UserID: u.ID, Purpose: auth.PurposeActivation, TokenHash: "h1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	second := &auth.OneTimeToken{ID: ulid.Make(), UserID: u.ID, Purpose: auth.PurposeActivation, TokenHash: "h2", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	reset := &auth.OneTimeToken{ID: ulid.Make(), UserID: u.ID, Purpose: auth.PurposePasswordReset, TokenHash: "h3", ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	require.NoError(t, repo.Replace(ctx, first))
	require.NoError(t, repo.Replace(ctx, reset))
	require.NoError(t, repo.Replace(ctx, second))

	t.Run("replace supersedes same purpose only", func(t *testing.T) {
		_, err := repo.GetByHash(ctx, auth.PurposeActivation, "h1")
		assert.ErrorIs(t, err, auth.ErrNotFound)

		_, err = repo.GetByHash(ctx, auth.PurposeActivation, "h2")
		assert.NoError(t, err)

		_, err = repo.GetByHash(ctx, auth.PurposePasswordReset, "h3")
		assert.NoError(t, err)
	})

	t.Run("lookup is scoped by purpose", func(t *testing.T) {
		_, err := repo.GetByHash(ctx, auth.PurposePasswordReset, "h2")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("consume is conditional", func(t *testing.T) {
		require.NoError(t, repo.Consume(ctx, second.ID, now))
		assert.ErrorIs(t, repo.Consume(ctx, second.ID, now), auth.ErrConflict)

		got, err := repo.GetByHash(ctx, auth.PurposeActivation, "h2")
		require.NoError(t, err)
		assert.True(t, got.IsConsumed())
	})

	t.Run("delete expired keeps unexpired consumed tokens", func(t *testing.T) {
		n, err := repo.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)

		got, err := repo.GetByHash(ctx, auth.PurposeActivation, "h2")
		require.NoError(t, err)
		assert.True(t, got.IsConsumed())
	})

	t.Run("delete expired removes expired tokens, consumed or not", func(t *testing.T) {
		n, err := repo.DeleteExpired(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	u := seedUser(t, s, "ada@example.com")
	repo := s.RefreshTokens()

	a := &auth.RefreshToken{ID: ulid.Make(), UserID: u.ID, TokenHash: "a", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	b := &auth.RefreshToken{ID: ulid.Make(), UserID: u.ID, TokenHash: "b", IssuedAt: now, ExpiresAt: now.Add(48 * time.Hour)}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	t.Run("refresh token needs an existing user", func(t *testing.T) {
		orphan := &auth.RefreshToken{ID: ulid.Make(), UserID: ulid.Make(), TokenHash: "x", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
		assert.ErrorIs(t, repo.Create(ctx, orphan), auth.ErrNotFound)
	})

	t.Run("revoke is conditional and records successor", func(t *testing.T) {
		require.NoError(t, repo.Revoke(ctx, a.ID, now, &b.ID))
		assert.ErrorIs(t, repo.Revoke(ctx, a.ID, now, nil), auth.ErrConflict)

		got, err := repo.GetByHash(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got.ReplacedBy)
		assert.Equal(t, b.ID, *got.ReplacedBy)
	})

	t.Run("revoke all counts live tokens", func(t *testing.T) {
		n, err := repo.RevokeAllForUser(ctx, u.ID, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("delete expired", func(t *testing.T) {
		n, err := repo.DeleteExpired(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestDenylist(t *testing.T) {
	ctx := context.Background()
	d := memory.NewStore().Denylist()

	require.NoError(t, d.Deny(ctx, "jti-1", now.Add(time.Minute)))

	denied, err := d.IsDenied(ctx, "jti-1", now)
	require.NoError(t, err)
	assert.True(t, denied)

	denied, err = d.IsDenied(ctx, "jti-2", now)
	require.NoError(t, err)
	assert.False(t, denied)

	denied, err = d.IsDenied(ctx, "jti-1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, denied, "entries expire passively")

	n, err := d.DeleteExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
