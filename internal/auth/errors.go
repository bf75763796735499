// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "errors"

// Storage sentinels. Repositories wrap these with operation context.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write lost a race: an
	// expected version did not match, a guarded row was already changed, or
	// the database aborted the transaction as a serialization failure.
	ErrConflict = errors.New("conflict")
)

// Domain sentinels surfaced by the orchestrator.
var (
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrWeakPassword         = errors.New("password does not satisfy policy")
	ErrDuplicateEmail       = errors.New("email already registered")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrAccountNotActive     = errors.New("account is not active")
	ErrAccountAlreadyActive = errors.New("account is already active")
	ErrUserNotFound         = errors.New("user not found")
)

// Token lifecycle sentinels.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenConsumed = errors.New("token already consumed")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrTokenReused   = errors.New("refresh token reused")
	ErrInvalidToken  = errors.New("invalid token")
)

// Kind is the public classification of an orchestrator failure.
type Kind string

// Error kinds. KindInternal covers every failure that is not part of the
// documented contract of an operation.
const (
	KindNone                 Kind = ""
	KindInvalidEmail         Kind = "invalid_email"
	KindWeakPassword         Kind = "weak_password"
	KindDuplicateEmail       Kind = "duplicate_email"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindAccountNotActive     Kind = "account_not_active"
	KindAccountAlreadyActive Kind = "account_already_active"
	KindUserNotFound         Kind = "user_not_found"
	KindTokenNotFound        Kind = "token_not_found"
	KindTokenExpired         Kind = "token_expired"
	KindTokenConsumed        Kind = "token_consumed"
	KindTokenReused          Kind = "token_reused"
	KindTokenRevoked         Kind = "token_revoked"
	KindInvalidToken         Kind = "invalid_token"
	KindConflict             Kind = "conflict"
	KindInternal             Kind = "internal"
)

// kindOrder is checked first to last; a reuse error also matches
// ErrTokenRevoked, so reuse must come before it.
var kindOrder = []struct {
	sentinel error
	kind     Kind
}{
	{ErrInvalidEmail, KindInvalidEmail},
	{ErrWeakPassword, KindWeakPassword},
	{ErrDuplicateEmail, KindDuplicateEmail},
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountNotActive, KindAccountNotActive},
	{ErrAccountAlreadyActive, KindAccountAlreadyActive},
	{ErrUserNotFound, KindUserNotFound},
	{ErrTokenReused, KindTokenReused},
	{ErrInvalidToken, KindInvalidToken},
	{ErrTokenNotFound, KindTokenNotFound},
	{ErrTokenConsumed, KindTokenConsumed},
	{ErrTokenExpired, KindTokenExpired},
	{ErrTokenRevoked, KindTokenRevoked},
	{ErrConflict, KindConflict},
}

// KindOf classifies err. It returns KindNone for a nil error and
// KindInternal for anything unrecognised.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// IsTokenFailure reports whether k is one of the token lifecycle kinds.
func (k Kind) IsTokenFailure() bool {
	switch k {
	case KindTokenNotFound, KindTokenExpired, KindTokenConsumed,
		KindTokenReused, KindTokenRevoked, KindInvalidToken:
		return true
	default:
		return false
	}
}

// Retryable reports whether the caller may retry the same request.
func (k Kind) Retryable() bool {
	return k == KindConflict
}
