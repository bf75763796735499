// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/accounts/internal/clock"
	"github.com/holomush/accounts/pkg/errutil"
)

// Mail template identifiers passed to the Mailer.
const (
	TemplateActivation    = "activation"
	TemplatePasswordReset = "password_reset"
)

// Mailer delivers templated mail. payload always carries "email" and
// "token".
type Mailer interface {
	Send(ctx context.Context, to, templateID string, payload map[string]string) error
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	ObserveOperation(operation string, kind Kind)
	ObserveRefreshReuse()
	ObserveMailFailure(templateID string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, Kind) {}
func (nopRecorder) ObserveRefreshReuse()          {}
func (nopRecorder) ObserveMailFailure(string)     {}

// Options are the policy knobs of the Service.
type Options struct {
	TTLs       TokenTTLs
	SigningKey []byte
	Issuer     string

	// DefaultGroup is assigned at registration.
	DefaultGroup Group

	// MaskUnknownResend reports success when a resend names an unknown
	// email, so the endpoint does not reveal which addresses exist.
	MaskUnknownResend bool

	// KeepSessionOnPasswordChange returns a fresh token pair from
	// ChangePassword instead of logging the caller out with everyone else.
	KeepSessionOnPasswordChange bool

	// MailTimeout bounds each post-commit delivery.
	MailTimeout time.Duration

	// ConflictRetryDelay is the pause before the single conflict retry.
	ConflictRetryDelay time.Duration
}

// DefaultOptions returns the stock policy. SigningKey must still be set.
func DefaultOptions() Options {
	return Options{
		TTLs:               DefaultTokenTTLs(),
		Issuer:             "accounts",
		DefaultGroup:       GroupUser,
		MaskUnknownResend:  true,
		MailTimeout:        10 * time.Second,
		ConflictRetryDelay: 10 * time.Millisecond,
	}
}

// Deps are the collaborators of the Service.
type Deps struct {
	Tx            Transactor
	Users         UserRepository
	OneTimeTokens OneTimeTokenRepository
	RefreshTokens RefreshTokenRepository
	Denylist      Denylist
	Hasher        PasswordHasher
	Mailer        Mailer
	Clock         clock.Clock
	Email         *EmailPolicy
	Password      PasswordPolicy

	// Optional.
	Metrics Recorder
	Logger  *slog.Logger
}

// TokenPair is the result of a login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        time.Duration
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Principal is the caller identified by a valid access token.
type Principal struct {
	User      *User
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service runs the credential lifecycle operations. Every multi-step change
// runs in one transaction; mail goes out after commit.
type Service struct {
	tx       Transactor
	users    UserRepository
	tokens   OneTimeTokenRepository
	refresh  RefreshTokenRepository
	denylist Denylist
	issuer   *TokenIssuer
	sessions *SessionManager
	hasher   PasswordHasher
	mailer   Mailer
	clock    clock.Clock
	email    *EmailPolicy
	password PasswordPolicy
	metrics  Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	opts     Options

	// dummyHash is verified for unknown emails so login timing does not
	// reveal whether an account exists.
	dummyHash string
}

// NewService validates deps and builds a Service.
func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Tx == nil:
		return nil, oops.Errorf("transactor is required")
	case deps.Users == nil:
		return nil, oops.Errorf("user repository is required")
	case deps.OneTimeTokens == nil:
		return nil, oops.Errorf("one-time token repository is required")
	case deps.RefreshTokens == nil:
		return nil, oops.Errorf("refresh token repository is required")
	case deps.Denylist == nil:
		return nil, oops.Errorf("denylist is required")
	case deps.Hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	case deps.Mailer == nil:
		return nil, oops.Errorf("mailer is required")
	case deps.Clock == nil:
		return nil, oops.Errorf("clock is required")
	case deps.Email == nil:
		return nil, oops.Errorf("email policy is required")
	}
	if !opts.DefaultGroup.Valid() {
		return nil, oops.Code("AUTH_INVALID_CONFIG").With("group", opts.DefaultGroup).Errorf("unknown default group")
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = DefaultOptions().MailTimeout
	}
	if opts.ConflictRetryDelay <= 0 {
		opts.ConflictRetryDelay = DefaultOptions().ConflictRetryDelay
	}

	issuer, err := NewTokenIssuer(deps.OneTimeTokens, deps.Clock, opts.TTLs, opts.SigningKey, opts.Issuer)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionManager(deps.RefreshTokens, deps.Users, deps.Denylist, deps.Clock, opts.TTLs.Refresh)
	if err != nil {
		return nil, err
	}

	seed, _, err := GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}
	dummy, err := deps.Hasher.Hash(seed)
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Wrap(err)
	}

	s := &Service{
		tx:        deps.Tx,
		users:     deps.Users,
		tokens:    deps.OneTimeTokens,
		refresh:   deps.RefreshTokens,
		denylist:  deps.Denylist,
		issuer:    issuer,
		sessions:  sessions,
		hasher:    deps.Hasher,
		mailer:    deps.Mailer,
		clock:     deps.Clock,
		email:     deps.Email,
		password:  deps.Password,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		tracer:    otel.Tracer("github.com/holomush/accounts/internal/auth"),
		opts:      opts,
		dummyHash: dummy,
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Issuer exposes the token issuer.
func (s *Service) Issuer() *TokenIssuer {
	return s.issuer
}

// begin opens the span for an operation. The returned func records the
// outcome and must be called with the operation's final error.
func (s *Service) begin(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "auth."+op)
	return ctx, func(err error) {
		kind := KindOf(err)
		s.metrics.ObserveOperation(op, kind)
		if err != nil {
			span.SetAttributes(attribute.String("auth.error_kind", string(kind)))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			if kind == KindInternal {
				errutil.LogError(ctx, s.logger, "auth operation failed", err, "operation", op)
			}
		}
		span.End()
	}
}

// transact runs fn in a transaction, retrying once on ErrConflict.
func (s *Service) transact(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.opts.ConflictRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.tx.InTransaction(ctx, fn)
		if errors.Is(err, ErrConflict) {
			s.logger.DebugContext(ctx, "transaction conflict", "operation", op)
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrConflict) {
		return oops.Code("AUTH_CONFLICT").With("operation", op).Wrap(err)
	}
	return err
}

// deliver sends mail after commit. Failures are logged and counted only.
func (s *Service) deliver(ctx context.Context, to, templateID, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.MailTimeout)
	defer cancel()

	err := s.mailer.Send(ctx, to, templateID, map[string]string{
		"email": to,
		"token": token,
	})
	if err != nil {
		s.metrics.ObserveMailFailure(templateID)
		errutil.LogWarn(ctx, s.logger, "mail delivery failed", err, "template", templateID)
	}
}

func (s *Service) newTokenPair(ctx context.Context, user *User) (*TokenPair, error) {
	session, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return s.pairFor(user, session)
}

func (s *Service) pairFor(user *User, session *Session) (*TokenPair, error) {
	access, err := s.issuer.IssueAccess(user)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     session.Token,
		TokenType:        "bearer",
		ExpiresIn:        s.opts.TTLs.Access,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: session.Record.ExpiresAt,
	}, nil
}
