// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// OpaqueTokenBytes is the entropy of every opaque token (256 bits).
const OpaqueTokenBytes = 32

// GenerateOpaqueToken creates a random token and its hash.
// The plaintext goes to the client; only the hash is stored.
func GenerateOpaqueToken() (token, hash string, err error) {
	b := make([]byte, OpaqueTokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", OpaqueTokenBytes).
			Wrap(err)
	}
	token = hex.EncodeToString(b)
	return token, HashOpaqueToken(token), nil
}

// HashOpaqueToken computes the hex SHA-256 of a token. Lookups go through
// the hash, so plaintext tokens never reach storage.
func HashOpaqueToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// Purpose discriminates one-time tokens.
type Purpose string

// One-time token purposes.
const (
	PurposeActivation    Purpose = "activation"
	PurposePasswordReset Purpose = "password_reset"
)

// OneTimeToken is a single-use token such as an activation link or a
// password reset link.
type OneTimeToken struct {
	ID         ulid.ULID
	UserID     ulid.ULID
	Purpose    Purpose
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time // nil until consumed
}

// IsConsumed reports whether the token was already used.
func (t *OneTimeToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// IsExpiredAt reports whether the token is past its expiry at now.
func (t *OneTimeToken) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// OneTimeTokenRepository manages activation and password reset tokens.
type OneTimeTokenRepository interface {
	// Replace deletes any unconsumed token for (token.UserID, token.Purpose)
	// and stores token in its place.
	Replace(ctx context.Context, token *OneTimeToken) error

	// GetByHash retrieves a token by purpose and hash. Returns ErrNotFound
	// if missing.
	GetByHash(ctx context.Context, purpose Purpose, tokenHash string) (*OneTimeToken, error)

	// Consume marks an unconsumed token consumed. Returns ErrConflict if the
	// token was consumed or removed concurrently.
	Consume(ctx context.Context, id ulid.ULID, at time.Time) error

	// DeleteExpired removes tokens that expired before the given time,
	// consumed or not, and returns the count of deleted records.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// RefreshToken is a revocable login session.
type RefreshToken struct {
	ID         ulid.ULID
	UserID     ulid.ULID
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time // nil while live
	ReplacedBy *ulid.ULID // successor after rotation
}

// IsRevoked reports whether the session was revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpiredAt reports whether the session is past its expiry at now.
func (t *RefreshToken) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RefreshTokenRepository manages refresh token persistence.
type RefreshTokenRepository interface {
	// Create stores a new refresh token.
	Create(ctx context.Context, token *RefreshToken) error

	// GetByHash retrieves a token by its hash. Returns ErrNotFound if missing.
	GetByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// Revoke marks a live token revoked, recording its successor if any.
	// Returns ErrConflict if the token was already revoked.
	Revoke(ctx context.Context, id ulid.ULID, at time.Time, replacedBy *ulid.ULID) error

	// RevokeAllForUser revokes every live token of a user and returns the
	// count of revoked records.
	RevokeAllForUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error)

	// DeleteExpired removes tokens that expired before the given time and
	// returns the count of deleted records.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Denylist records logged-out access tokens until they expire.
type Denylist interface {
	// Deny records tokenID until expiresAt.
	Deny(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsDenied reports whether tokenID is denied at now.
	IsDenied(ctx context.Context, tokenID string, now time.Time) (bool, error)

	// DeleteExpired removes entries that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Transactor runs fn atomically. Repository calls made with the context
// passed to fn join the transaction. If fn returns an error every write is
// rolled back.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
