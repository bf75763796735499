// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/clock"
)

// MinSigningKeyLength is the shortest HS256 key accepted.
const MinSigningKeyLength = 32

// accessTokenType is the typ claim of access tokens.
const accessTokenType = "access"

// TokenTTLs are the lifetimes of each token purpose.
type TokenTTLs struct {
	Activation    time.Duration
	PasswordReset time.Duration
	Access        time.Duration
	Refresh       time.Duration
}

// DefaultTokenTTLs returns the stock lifetimes.
func DefaultTokenTTLs() TokenTTLs {
	return TokenTTLs{
		Activation:    24 * time.Hour,
		PasswordReset: time.Hour,
		Access:        15 * time.Minute,
		Refresh:       30 * 24 * time.Hour,
	}
}

// Validate rejects non-positive lifetimes.
func (t TokenTTLs) Validate() error {
	for name, d := range map[string]time.Duration{
		"activation":     t.Activation,
		"password_reset": t.PasswordReset,
		"access":         t.Access,
		"refresh":        t.Refresh,
	} {
		if d <= 0 {
			return oops.Code("TOKEN_INVALID_TTL").With("purpose", name).With("ttl", d).
				Errorf("token ttl must be positive")
		}
	}
	return nil
}

// For returns the lifetime of a one-time token purpose.
func (t TokenTTLs) For(purpose Purpose) (time.Duration, error) {
	switch purpose {
	case PurposeActivation:
		return t.Activation, nil
	case PurposePasswordReset:
		return t.PasswordReset, nil
	default:
		return 0, oops.Code("TOKEN_UNKNOWN_PURPOSE").With("purpose", purpose).Errorf("unknown token purpose")
	}
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Type  string `json:"typ"`
	Group Group  `json:"grp"`

	// IssuedAtMs is the issue instant in milliseconds. The registered iat
	// claim only has second precision.
	IssuedAtMs int64 `json:"iat_ms"`
}

// IssuedAtTime returns the millisecond issue instant.
func (c *AccessClaims) IssuedAtTime() time.Time {
	return time.UnixMilli(c.IssuedAtMs).UTC()
}

// UserID parses the subject claim.
func (c *AccessClaims) UserID() (ulid.ULID, error) {
	id, err := ulid.Parse(c.Subject)
	if err != nil {
		return ulid.ULID{}, oops.Code("TOKEN_INVALID_SUBJECT").Wrap(ErrInvalidToken)
	}
	return id, nil
}

// AccessToken is a freshly minted access token.
type AccessToken struct {
	Value     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer mints and validates activation, password reset and access
// tokens.
type TokenIssuer struct {
	tokens OneTimeTokenRepository
	clock  clock.Clock
	ttls   TokenTTLs
	key    []byte
	issuer string
}

// NewTokenIssuer creates a TokenIssuer signing access tokens with key.
func NewTokenIssuer(tokens OneTimeTokenRepository, clk clock.Clock, ttls TokenTTLs, key []byte, issuer string) (*TokenIssuer, error) {
	if tokens == nil {
		return nil, oops.Errorf("one-time token repository is required")
	}
	if clk == nil {
		return nil, oops.Errorf("clock is required")
	}
	if len(key) < MinSigningKeyLength {
		return nil, oops.Code("TOKEN_WEAK_SIGNING_KEY").
			With("min_length", MinSigningKeyLength).
			Errorf("signing key too short")
	}
	if err := ttls.Validate(); err != nil {
		return nil, err
	}
	return &TokenIssuer{tokens: tokens, clock: clk, ttls: ttls, key: key, issuer: issuer}, nil
}

// TTLs returns the configured lifetimes.
func (i *TokenIssuer) TTLs() TokenTTLs {
	return i.ttls
}

// IssueOneTime mints a token for (userID, purpose), superseding the
// previous unconsumed one. Call it inside a transaction.
func (i *TokenIssuer) IssueOneTime(ctx context.Context, userID ulid.ULID, purpose Purpose) (string, *OneTimeToken, error) {
	ttl, err := i.ttls.For(purpose)
	if err != nil {
		return "", nil, err
	}
	plaintext, hash, err := GenerateOpaqueToken()
	if err != nil {
		return "", nil, err
	}
	now := i.clock.Now()
	token := &OneTimeToken{
		ID:        ulid.Make(),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: hash,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := i.tokens.Replace(ctx, token); err != nil {
		return "", nil, oops.Code("TOKEN_ISSUE_FAILED").
			With("purpose", purpose).
			With("user_id", userID.String()).
			Wrap(err)
	}
	return plaintext, token, nil
}

// ConsumeOneTime validates plaintext for purpose and marks it consumed.
// A consumed token reports ErrTokenConsumed even after it expired. Call it
// inside the transaction that applies the token's effect.
func (i *TokenIssuer) ConsumeOneTime(ctx context.Context, purpose Purpose, plaintext string) (*OneTimeToken, error) {
	if plaintext == "" {
		return nil, oops.Code("TOKEN_NOT_FOUND").With("purpose", purpose).Wrap(ErrTokenNotFound)
	}
	token, err := i.tokens.GetByHash(ctx, purpose, HashOpaqueToken(plaintext))
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("TOKEN_NOT_FOUND").With("purpose", purpose).Wrap(ErrTokenNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_LOOKUP_FAILED").With("purpose", purpose).Wrap(err)
	}

	now := i.clock.Now()
	switch {
	case token.IsConsumed():
		return nil, oops.Code("TOKEN_CONSUMED").
			With("purpose", purpose).
			With("token_id", token.ID.String()).
			Wrap(ErrTokenConsumed)
	case token.IsExpiredAt(now):
		return nil, oops.Code("TOKEN_EXPIRED").
			With("purpose", purpose).
			With("token_id", token.ID.String()).
			Wrap(ErrTokenExpired)
	}

	if err := i.tokens.Consume(ctx, token.ID, now); err != nil {
		return nil, oops.Code("TOKEN_CONSUME_FAILED").
			With("purpose", purpose).
			With("token_id", token.ID.String()).
			Wrap(err)
	}
	token.ConsumedAt = &now
	return token, nil
}

// IssueAccess signs an access token for user. The issue instant is placed
// strictly after the user's not-before marker, so a token minted in the
// millisecond of a global revoke survives it while older ones do not.
func (i *TokenIssuer) IssueAccess(user *User) (AccessToken, error) {
	now := i.clock.Now()
	issued := now.Truncate(time.Millisecond)
	if !user.CredentialsNotBefore.IsZero() && !issued.After(user.CredentialsNotBefore) {
		issued = user.CredentialsNotBefore.Add(time.Millisecond)
	}
	id := ulid.Make().String()
	expires := now.Add(i.ttls.Access)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   user.ID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Type:       accessTokenType,
		Group:      user.Group,
		IssuedAtMs: issued.UnixMilli(),
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return AccessToken{}, oops.Code("TOKEN_SIGN_FAILED").Wrap(err)
	}
	return AccessToken{
		Value:     value,
		ID:        id,
		IssuedAt:  issued,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ParseAccess verifies the signature, expiry and type of an access token.
// It does not consult the denylist or the user's not-before marker. Every
// failure wraps ErrInvalidToken.
func (i *TokenIssuer) ParseAccess(value string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "expired"
		}
		return nil, oops.Code("TOKEN_INVALID").With("reason", reason).With("cause", err.Error()).Wrap(ErrInvalidToken)
	}
	if claims.Type != accessTokenType || claims.ID == "" {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "wrong type").Wrap(ErrInvalidToken)
	}
	return claims, nil
}
