// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/clock"
)

// errRefreshReused matches both ErrTokenReused and ErrTokenRevoked.
var errRefreshReused = fmt.Errorf("%w: %w", ErrTokenReused, ErrTokenRevoked)

// Session is a freshly issued refresh token.
type Session struct {
	Token  string
	Record *RefreshToken
}

// SessionManager owns refresh tokens and the access token denylist.
type SessionManager struct {
	refresh  RefreshTokenRepository
	users    UserRepository
	denylist Denylist
	clock    clock.Clock
	ttl      time.Duration
}

// NewSessionManager creates a SessionManager issuing refresh tokens that
// live for ttl.
func NewSessionManager(refresh RefreshTokenRepository, users UserRepository, denylist Denylist, clk clock.Clock, ttl time.Duration) (*SessionManager, error) {
	if refresh == nil {
		return nil, oops.Errorf("refresh token repository is required")
	}
	if users == nil {
		return nil, oops.Errorf("user repository is required")
	}
	if denylist == nil {
		return nil, oops.Errorf("denylist is required")
	}
	if clk == nil {
		return nil, oops.Errorf("clock is required")
	}
	if ttl <= 0 {
		return nil, oops.Code("SESSION_INVALID_TTL").With("ttl", ttl).Errorf("refresh ttl must be positive")
	}
	return &SessionManager{refresh: refresh, users: users, denylist: denylist, clock: clk, ttl: ttl}, nil
}

func (m *SessionManager) mint(userID ulid.ULID, now time.Time) (*Session, error) {
	plaintext, hash, err := GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}
	return &Session{
		Token: plaintext,
		Record: &RefreshToken{
			ID:        ulid.Make(),
			UserID:    userID,
			TokenHash: hash,
			IssuedAt:  now,
			ExpiresAt: now.Add(m.ttl),
		},
	}, nil
}

// Issue starts a new session for userID.
func (m *SessionManager) Issue(ctx context.Context, userID ulid.ULID) (*Session, error) {
	s, err := m.mint(userID, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := m.refresh.Create(ctx, s.Record); err != nil {
		return nil, oops.Code("SESSION_CREATE_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return s, nil
}

// Rotate exchanges a live refresh token for a new one and revokes the old
// one. On failure the presented record is returned when it was found, so
// the caller can react to reuse or expiry. A revoked token, or losing a
// concurrent rotation, reports ErrTokenReused.
func (m *SessionManager) Rotate(ctx context.Context, plaintext string) (*Session, *RefreshToken, error) {
	prev, err := m.lookup(ctx, plaintext)
	if err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	if prev.IsRevoked() {
		return nil, prev, oops.Code("TOKEN_REUSED").
			With("session_id", prev.ID.String()).
			With("user_id", prev.UserID.String()).
			Wrap(errRefreshReused)
	}
	if prev.IsExpiredAt(now) {
		return nil, prev, oops.Code("TOKEN_EXPIRED").
			With("session_id", prev.ID.String()).
			Wrap(ErrTokenExpired)
	}

	next, err := m.mint(prev.UserID, now)
	if err != nil {
		return nil, prev, err
	}
	if err := m.refresh.Create(ctx, next.Record); err != nil {
		return nil, prev, oops.Code("SESSION_CREATE_FAILED").With("user_id", prev.UserID.String()).Wrap(err)
	}
	if err := m.refresh.Revoke(ctx, prev.ID, now, &next.Record.ID); err != nil {
		return nil, prev, oops.Code("SESSION_ROTATE_FAILED").With("session_id", prev.ID.String()).Wrap(err)
	}
	return next, prev, nil
}

// Revoke ends the session behind plaintext. It returns the revoked record.
// Revoking an already revoked session is not an error.
func (m *SessionManager) Revoke(ctx context.Context, plaintext string) (*RefreshToken, error) {
	rec, err := m.lookup(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	if rec.IsRevoked() {
		return rec, nil
	}
	if err := m.RevokeByID(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// RevokeByID ends a session by ID. Revoking an already revoked session is
// not an error.
func (m *SessionManager) RevokeByID(ctx context.Context, id ulid.ULID) error {
	err := m.refresh.Revoke(ctx, id, m.clock.Now(), nil)
	if err != nil && !errors.Is(err, ErrConflict) {
		return oops.Code("SESSION_REVOKE_FAILED").With("session_id", id.String()).Wrap(err)
	}
	return nil
}

// RevokeAll revokes every session of userID and invalidates every access
// token issued so far by moving the user's not-before marker to now. Call
// it inside a transaction.
func (m *SessionManager) RevokeAll(ctx context.Context, userID ulid.ULID) (int64, error) {
	now := m.clock.Now()
	n, err := m.refresh.RevokeAllForUser(ctx, userID, now)
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	user.RevokeCredentialsAt(now)
	if err := m.users.Update(ctx, user); err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return n, nil
}

// Deny records an access token as logged out until it expires.
func (m *SessionManager) Deny(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if err := m.denylist.Deny(ctx, tokenID, expiresAt); err != nil {
		return oops.Code("DENYLIST_WRITE_FAILED").With("token_id", tokenID).Wrap(err)
	}
	return nil
}

// IsDenied reports whether an access token was logged out.
func (m *SessionManager) IsDenied(ctx context.Context, tokenID string) (bool, error) {
	denied, err := m.denylist.IsDenied(ctx, tokenID, m.clock.Now())
	if err != nil {
		return false, oops.Code("DENYLIST_READ_FAILED").With("token_id", tokenID).Wrap(err)
	}
	return denied, nil
}

func (m *SessionManager) lookup(ctx context.Context, plaintext string) (*RefreshToken, error) {
	if plaintext == "" {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "empty").Wrap(ErrInvalidToken)
	}
	rec, err := m.refresh.GetByHash(ctx, HashOpaqueToken(plaintext))
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "unknown refresh token").Wrap(ErrInvalidToken)
	}
	if err != nil {
		return nil, oops.Code("SESSION_LOOKUP_FAILED").Wrap(err)
	}
	return rec, nil
}
