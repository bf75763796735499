// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"

	"github.com/samber/oops"
)

// Register creates a pending user and mails an activation token.
func (s *Service) Register(ctx context.Context, email, password string) (_ *User, err error) {
	ctx, end := s.begin(ctx, "register")
	defer func() { end(err) }()

	normalized, err := s.email.Normalize(email)
	if err != nil {
		return nil, err
	}
	if err := s.password.Check(password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}

	var (
		user  *User
		token string
	)
	err = s.transact(ctx, "register", func(ctx context.Context) error {
		u, err := NewUser(normalized, hash, s.opts.DefaultGroup, s.clock.Now())
		if err != nil {
			return err
		}
		if err := s.users.Create(ctx, u); err != nil {
			return err
		}
		plaintext, _, err := s.issuer.IssueOneTime(ctx, u.ID, PurposeActivation)
		if err != nil {
			return err
		}
		user, token = u, plaintext
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, oops.Code("AUTH_DUPLICATE_EMAIL").Wrap(err)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	s.deliver(ctx, user.Email, TemplateActivation, token)
	return user, nil
}

// Activate consumes an activation token and marks its user active.
func (s *Service) Activate(ctx context.Context, token string) (err error) {
	ctx, end := s.begin(ctx, "activate")
	defer func() { end(err) }()

	var user *User
	err = s.transact(ctx, "activate", func(ctx context.Context) error {
		consumed, err := s.issuer.ConsumeOneTime(ctx, PurposeActivation, token)
		if err != nil {
			return err
		}
		u, err := s.users.GetByID(ctx, consumed.UserID)
		if err != nil {
			return oops.Code("AUTH_ACTIVATE_FAILED").With("user_id", consumed.UserID.String()).Wrap(err)
		}
		u.Activate(s.clock.Now())
		if err := s.users.Update(ctx, u); err != nil {
			return oops.Code("AUTH_ACTIVATE_FAILED").With("user_id", u.ID.String()).Wrap(err)
		}
		user = u
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "user activated", "user_id", user.ID.String())
	return nil
}

// ResendActivation supersedes the outstanding activation token of a
// pending user and mails a new one. An unknown email reports success when
// MaskUnknownResend is set.
func (s *Service) ResendActivation(ctx context.Context, email string) (err error) {
	ctx, end := s.begin(ctx, "resend_activation")
	defer func() { end(err) }()

	normalized := NormalizeEmail(email)
	var (
		user    *User
		token   string
		unknown bool
	)
	err = s.transact(ctx, "resend_activation", func(ctx context.Context) error {
		u, err := s.users.GetByEmail(ctx, normalized)
		if errors.Is(err, ErrNotFound) {
			unknown = true
			return nil
		}
		if err != nil {
			return oops.Code("AUTH_RESEND_FAILED").With("operation", "get user by email").Wrap(err)
		}
		if u.IsActive() {
			return oops.Code("AUTH_ALREADY_ACTIVE").With("user_id", u.ID.String()).Wrap(ErrAccountAlreadyActive)
		}
		plaintext, _, err := s.issuer.IssueOneTime(ctx, u.ID, PurposeActivation)
		if err != nil {
			return err
		}
		user, token = u, plaintext
		return nil
	})
	if err != nil {
		return err
	}
	if unknown {
		if s.opts.MaskUnknownResend {
			return nil
		}
		return oops.Code("AUTH_USER_NOT_FOUND").Wrap(ErrUserNotFound)
	}

	s.deliver(ctx, user.Email, TemplateActivation, token)
	return nil
}
