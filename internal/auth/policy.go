// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// MaxEmailLength is the longest address accepted (RFC 5321 path limit).
const MaxEmailLength = 254

// EmailPolicy validates and normalizes registration addresses.
type EmailPolicy struct {
	blocked []glob.Glob
	raw     []string
}

// NewEmailPolicy compiles blocked domain patterns such as "*.example.com".
func NewEmailPolicy(blockedDomains []string) (*EmailPolicy, error) {
	p := &EmailPolicy{}
	for _, pattern := range blockedDomains {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code("EMAIL_POLICY_INVALID_PATTERN").With("pattern", pattern).Wrap(err)
		}
		p.blocked = append(p.blocked, g)
		p.raw = append(p.raw, pattern)
	}
	return p, nil
}

// NormalizeEmail trims and lower-cases an address without validating it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Normalize validates email and returns its canonical form. Failures wrap
// ErrInvalidEmail.
func (p *EmailPolicy) Normalize(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if err := validation.Validate(normalized,
		validation.Required,
		validation.Length(3, MaxEmailLength),
		is.Email,
	); err != nil {
		return "", oops.Code("AUTH_INVALID_EMAIL").With("reason", err.Error()).Wrap(ErrInvalidEmail)
	}

	domain := normalized[strings.LastIndexByte(normalized, '@')+1:]
	for i, g := range p.blocked {
		if g.Match(domain) {
			return "", oops.Code("AUTH_INVALID_EMAIL").
				With("reason", "domain not accepted").
				With("pattern", p.raw[i]).
				Wrap(ErrInvalidEmail)
		}
	}
	return normalized, nil
}

// PasswordPolicy is the strength rule applied to new passwords.
type PasswordPolicy struct {
	MinLength     int
	MaxLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPasswordPolicy requires eight characters with mixed case and a digit.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:    8,
		MaxLength:    128,
		RequireUpper: true,
		RequireLower: true,
		RequireDigit: true,
	}
}

// Validate rejects a policy whose bounds cannot be satisfied.
func (p PasswordPolicy) Validate() error {
	if p.MinLength < 1 {
		return oops.Code("PASSWORD_POLICY_INVALID").With("min_length", p.MinLength).Errorf("min length must be positive")
	}
	if p.MaxLength > 0 && p.MaxLength < p.MinLength {
		return oops.Code("PASSWORD_POLICY_INVALID").
			With("min_length", p.MinLength).
			With("max_length", p.MaxLength).
			Errorf("max length is below min length")
	}
	return nil
}

// Check returns an error wrapping ErrWeakPassword listing the first rule the
// password breaks.
func (p PasswordPolicy) Check(password string) error {
	weak := func(reason string) error {
		return oops.Code("AUTH_WEAK_PASSWORD").With("reason", reason).Wrap(ErrWeakPassword)
	}

	n := len([]rune(password))
	if n < p.MinLength {
		return weak("too short")
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return weak("too long")
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	switch {
	case p.RequireUpper && !upper:
		return weak("missing upper case letter")
	case p.RequireLower && !lower:
		return weak("missing lower case letter")
	case p.RequireDigit && !digit:
		return weak("missing digit")
	case p.RequireSymbol && !symbol:
		return weak("missing symbol")
	}
	return nil
}
