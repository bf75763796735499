// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// ForgotPassword mails a password reset token when email names an active
// user. Every other case returns the same nil result without side effects,
// so callers cannot learn which addresses are registered.
func (s *Service) ForgotPassword(ctx context.Context, email string) (err error) {
	ctx, end := s.begin(ctx, "forgot_password")
	defer func() { end(err) }()

	normalized := NormalizeEmail(email)
	var (
		user  *User
		token string
	)
	err = s.transact(ctx, "forgot_password", func(ctx context.Context) error {
		u, err := s.users.GetByEmail(ctx, normalized)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return oops.Code("AUTH_RESET_REQUEST_FAILED").With("operation", "get user by email").Wrap(err)
		}
		if !u.IsActive() {
			return nil
		}
		plaintext, _, err := s.issuer.IssueOneTime(ctx, u.ID, PurposePasswordReset)
		if err != nil {
			return err
		}
		user, token = u, plaintext
		return nil
	})
	if err != nil {
		return err
	}

	if user != nil {
		s.deliver(ctx, user.Email, TemplatePasswordReset, token)
	}
	return nil
}

// ResetPassword consumes a reset token, stores the new password and
// revokes every session and access token of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	ctx, end := s.begin(ctx, "reset_password")
	defer func() { end(err) }()

	if err := s.password.Check(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_RESET_FAILED").With("operation", "hash password").Wrap(err)
	}

	var user *User
	err = s.transact(ctx, "reset_password", func(ctx context.Context) error {
		consumed, err := s.issuer.ConsumeOneTime(ctx, PurposePasswordReset, token)
		if err != nil {
			return err
		}
		u, err := s.setPassword(ctx, consumed.UserID, hash)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password reset", "user_id", user.ID.String())
	return nil
}

// ChangePassword replaces the caller's password after verifying the old
// one, then revokes every session and access token of the user. With
// KeepSessionOnPasswordChange the caller gets a fresh token pair; otherwise
// the returned pair is nil and the caller must log in again.
func (s *Service) ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) (_ *TokenPair, err error) {
	ctx, end := s.begin(ctx, "change_password")
	defer func() { end(err) }()

	principal, err := s.authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user := principal.User

	ok, err := s.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		return nil, oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "verify password").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	if !ok {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").With("user_id", user.ID.String()).Wrap(ErrInvalidCredentials)
	}
	if err := s.password.Check(newPassword); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, oops.Code("AUTH_CHANGE_PASSWORD_FAILED").With("operation", "hash password").Wrap(err)
	}

	var pair *TokenPair
	err = s.transact(ctx, "change_password", func(ctx context.Context) error {
		u, err := s.setPassword(ctx, user.ID, hash)
		if err != nil {
			return err
		}
		if !s.opts.KeepSessionOnPasswordChange {
			return nil
		}
		p, err := s.newTokenPair(ctx, u)
		if err != nil {
			return err
		}
		pair = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "password changed", "user_id", user.ID.String())
	return pair, nil
}

// setPassword stores hash for userID and revokes all of the user's
// credentials. It runs inside the caller's transaction.
func (s *Service) setPassword(ctx context.Context, userID ulid.ULID, hash string) (*User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, oops.Code("AUTH_SET_PASSWORD_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	u.SetPasswordHash(hash, s.clock.Now())
	if err := s.users.Update(ctx, u); err != nil {
		return nil, oops.Code("AUTH_SET_PASSWORD_FAILED").With("user_id", u.ID.String()).Wrap(err)
	}
	if _, err := s.sessions.RevokeAll(ctx, u.ID); err != nil {
		return nil, err
	}
	u, err = s.users.GetByID(ctx, u.ID)
	if err != nil {
		return nil, oops.Code("AUTH_SET_PASSWORD_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	return u, nil
}
