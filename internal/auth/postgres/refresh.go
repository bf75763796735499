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

// RefreshTokenRepository implements auth.RefreshTokenRepository using
// PostgreSQL.
type RefreshTokenRepository struct {
	s *Store
}

// Create stores a new refresh token.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *auth.RefreshToken) error {
	_, err := r.s.q(ctx).Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		token.ID.String(),
		token.UserID.String(),
		token.TokenHash,
		token.IssuedAt,
		token.ExpiresAt,
		token.RevokedAt,
		ulidToStringPtr(token.ReplacedBy),
	)
	if err != nil {
		return storeError("SESSION_CREATE_FAILED", err)
	}
	return nil
}

// GetByHash retrieves a refresh token by its hash.
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := r.s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash)

	var (
		idStr, userIDStr string
		replacedBy       *string
		token            auth.RefreshToken
	)
	err := row.Scan(&idStr, &userIDStr, &token.TokenHash, &token.IssuedAt, &token.ExpiresAt, &token.RevokedAt, &replacedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("SESSION_GET_BY_TOKEN_FAILED", err)
	}

	if token.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.With("operation", "parse session id").With("id", idStr).Wrap(err)
	}
	if token.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.With("operation", "parse user id").With("user_id", userIDStr).Wrap(err)
	}
	if token.ReplacedBy, err = parseOptionalULID(replacedBy, "replaced_by"); err != nil {
		return nil, err
	}
	token.IssuedAt = token.IssuedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.RevokedAt = utcPtr(token.RevokedAt)
	return &token, nil
}

// Revoke marks a live token revoked and records its successor.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id ulid.ULID, at time.Time, replacedBy *ulid.ULID) error {
	result, err := r.s.q(ctx).Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, replaced_by = $3
		WHERE id = $1 AND revoked_at IS NULL
	`, id.String(), at, ulidToStringPtr(replacedBy))
	if err != nil {
		return storeError("SESSION_REVOKE_FAILED", err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_REVOKE_CONFLICT").With("session_id", id.String()).Wrap(auth.ErrConflict)
	}
	return nil
}

// RevokeAllForUser revokes every live token of userID.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error) {
	result, err := r.s.q(ctx).Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID.String(), at)
	if err != nil {
		return 0, storeError("SESSION_REVOKE_ALL_FAILED", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes tokens that expired before the given time.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.s.q(ctx).Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, storeError("SESSION_DELETE_EXPIRED_FAILED", err)
	}
	return result.RowsAffected(), nil
}
