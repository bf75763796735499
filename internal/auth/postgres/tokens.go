// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

// OneTimeTokenRepository implements auth.OneTimeTokenRepository using
// PostgreSQL. Activation and password reset tokens share one table keyed by
// purpose.
type OneTimeTokenRepository struct {
	s *Store
}

// Replace supersedes the outstanding token for the same user and purpose.
// Callers run it inside a transaction so both statements commit together.
func (r *OneTimeTokenRepository) Replace(ctx context.Context, token *auth.OneTimeToken) error {
	q := r.s.q(ctx)
	if _, err := q.Exec(ctx, `
		DELETE FROM one_time_tokens
		WHERE user_id = $1 AND purpose = $2 AND consumed_at IS NULL
	`, token.UserID.String(), string(token.Purpose)); err != nil {
		return storeError("TOKEN_REPLACE_FAILED", err)
	}

	_, err := q.Exec(ctx, `
		INSERT INTO one_time_tokens (id, user_id, purpose, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		token.ID.String(),
		token.UserID.String(),
		string(token.Purpose),
		token.TokenHash,
		token.ExpiresAt,
		token.CreatedAt,
	)
	if err != nil {
		return storeError("TOKEN_CREATE_FAILED", err)
	}
	return nil
}

// GetByHash retrieves a token by purpose and hash.
func (r *OneTimeTokenRepository) GetByHash(ctx context.Context, purpose auth.Purpose, tokenHash string) (*auth.OneTimeToken, error) {
	row := r.s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, purpose, token_hash, expires_at, created_at, consumed_at
		FROM one_time_tokens
		WHERE purpose = $1 AND token_hash = $2
	`, string(purpose), tokenHash)

	var (
		idStr, userIDStr, purposeStr string
		token                        auth.OneTimeToken
	)
	err := row.Scan(&idStr, &userIDStr, &purposeStr, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt, &token.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").With("purpose", purpose).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("TOKEN_GET_FAILED", err)
	}

	if token.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.With("operation", "parse token id").With("id", idStr).Wrap(err)
	}
	if token.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.With("operation", "parse user id").With("user_id", userIDStr).Wrap(err)
	}
	token.Purpose = auth.Purpose(purposeStr)
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	token.ConsumedAt = utcPtr(token.ConsumedAt)
	return &token, nil
}

// Consume marks the token consumed if nobody else has.
func (r *OneTimeTokenRepository) Consume(ctx context.Context, id ulid.ULID, at time.Time) error {
	result, err := r.s.q(ctx).Exec(ctx, `
		UPDATE one_time_tokens SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, id.String(), at)
	if err != nil {
		return storeError("TOKEN_CONSUME_FAILED", err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("TOKEN_CONSUME_CONFLICT").With("token_id", id.String()).Wrap(auth.ErrConflict)
	}
	return nil
}

// DeleteExpired removes tokens that expired before the given time, consumed
// or not. Unexpired consumed rows stay so a replay still reports consumed.
func (r *OneTimeTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.s.q(ctx).Exec(ctx, `
		DELETE FROM one_time_tokens WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, storeError("TOKEN_DELETE_EXPIRED_FAILED", err)
	}
	return result.RowsAffected(), nil
}
