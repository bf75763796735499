// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/accounts/pkg/errutil"
)

// Login verifies credentials and starts a session. Unknown emails and wrong
// passwords fail identically, after the same amount of hashing work.
func (s *Service) Login(ctx context.Context, email, password string) (_ *TokenPair, err error) {
	ctx, end := s.begin(ctx, "login")
	defer func() { end(err) }()

	user, lookupErr := s.users.GetByEmail(ctx, NormalizeEmail(email))
	targetHash := s.dummyHash
	switch {
	case lookupErr == nil:
		targetHash = user.PasswordHash
	case !errors.Is(lookupErr, ErrNotFound):
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "get user by email").Wrap(lookupErr)
	}

	ok, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil && lookupErr == nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("user_id", user.ID.String()).
			Wrap(verifyErr)
	}
	if lookupErr != nil || !ok {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}
	if !user.IsActive() {
		return nil, oops.Code("AUTH_ACCOUNT_NOT_ACTIVE").With("user_id", user.ID.String()).Wrap(ErrAccountNotActive)
	}

	var pair *TokenPair
	err = s.transact(ctx, "login", func(ctx context.Context) error {
		p, err := s.newTokenPair(ctx, user)
		if err != nil {
			return err
		}
		pair = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		s.upgradeHash(ctx, user, password)
	}

	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID.String())
	return pair, nil
}

// upgradeHash rehashes the password with the current parameters. Failures
// are logged; the login already succeeded.
func (s *Service) upgradeHash(ctx context.Context, user *User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		errutil.LogWarn(ctx, s.logger, "password hash upgrade failed", err, "user_id", user.ID.String())
		return
	}
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		if u.PasswordHash != user.PasswordHash {
			return nil
		}
		u.SetPasswordHash(hash, s.clock.Now())
		return s.users.Update(ctx, u)
	})
	if err != nil {
		errutil.LogWarn(ctx, s.logger, "password hash upgrade failed", err, "user_id", user.ID.String())
	}
}

// Logout denylists the access token until it expires. When refreshToken is
// non-empty and belongs to the same user, that session is revoked too.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) (err error) {
	ctx, end := s.begin(ctx, "logout")
	defer func() { end(err) }()

	principal, err := s.authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := s.sessions.Deny(ctx, principal.TokenID, principal.ExpiresAt); err != nil {
		return err
	}

	if refreshToken != "" {
		err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
			rec, err := s.refresh.GetByHash(ctx, HashOpaqueToken(refreshToken))
			if err != nil {
				return err
			}
			if rec.UserID != principal.User.ID {
				return oops.Code("TOKEN_INVALID").With("reason", "session of another user").Wrap(ErrInvalidToken)
			}
			return s.sessions.RevokeByID(ctx, rec.ID)
		})
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidToken) {
			return oops.Code("AUTH_LOGOUT_FAILED").With("operation", "revoke refresh token").Wrap(err)
		}
	}

	s.logger.InfoContext(ctx, "user logged out", "user_id", principal.User.ID.String())
	return nil
}

// Refresh rotates a refresh token into a new token pair. Presenting a
// revoked token is treated as theft: every session of the user is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (_ *TokenPair, err error) {
	ctx, end := s.begin(ctx, "refresh")
	defer func() { end(err) }()

	var (
		pair *TokenPair
		prev *RefreshToken
	)
	err = s.transact(ctx, "refresh", func(ctx context.Context) error {
		next, presented, err := s.sessions.Rotate(ctx, refreshToken)
		prev = presented
		if err != nil {
			return err
		}
		user, err := s.users.GetByID(ctx, next.Record.UserID)
		if err != nil {
			return oops.Code("AUTH_REFRESH_FAILED").With("user_id", next.Record.UserID.String()).Wrap(err)
		}
		p, err := s.pairFor(user, next)
		if err != nil {
			return err
		}
		pair = p
		return nil
	})

	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, ErrTokenReused) && prev != nil:
		s.metrics.ObserveRefreshReuse()
		s.logger.WarnContext(ctx, "refresh token reuse detected, revoking all sessions",
			"user_id", prev.UserID.String(), "session_id", prev.ID.String())
		revokeErr := s.transact(ctx, "revoke_all", func(ctx context.Context) error {
			_, err := s.sessions.RevokeAll(ctx, prev.UserID)
			return err
		})
		if revokeErr != nil {
			errutil.LogError(ctx, s.logger, "revoke after reuse failed", revokeErr, "user_id", prev.UserID.String())
		}
		return nil, err
	case errors.Is(err, ErrTokenExpired) && prev != nil:
		if revokeErr := s.sessions.RevokeByID(ctx, prev.ID); revokeErr != nil {
			errutil.LogWarn(ctx, s.logger, "revoke of expired session failed", revokeErr, "session_id", prev.ID.String())
		}
		return nil, err
	default:
		return nil, err
	}
}

// Authenticate resolves an access token to its user. The token must carry a
// valid signature, be unexpired, not be logged out, and be issued after the
// user's last global revoke.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (_ *Principal, err error) {
	ctx, end := s.begin(ctx, "authenticate")
	defer func() { end(err) }()
	return s.authenticate(ctx, accessToken)
}

func (s *Service) authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.issuer.ParseAccess(accessToken)
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}

	denied, err := s.sessions.IsDenied(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "logged out").Wrap(ErrInvalidToken)
	}

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "unknown subject").Wrap(ErrInvalidToken)
	}
	if err != nil {
		return nil, oops.Code("AUTH_AUTHENTICATE_FAILED").With("user_id", userID.String()).Wrap(err)
	}

	issuedAt := claims.IssuedAtTime()
	if !user.CredentialsNotBefore.IsZero() && !issuedAt.After(user.CredentialsNotBefore) {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "credentials revoked").Wrap(ErrInvalidToken)
	}

	return &Principal{
		User:      user,
		TokenID:   claims.ID,
		IssuedAt:  issuedAt,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
