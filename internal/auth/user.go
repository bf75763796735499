// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Status is the activation state of a user. It only moves from
// StatusPending to StatusActive.
type Status string

// User statuses.
const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// Group is the authorization group carried in access tokens.
type Group string

// User groups.
const (
	GroupUser      Group = "USER"
	GroupModerator Group = "MODERATOR"
	GroupAdmin     Group = "ADMIN"
)

// Valid reports whether g is a known group.
func (g Group) Valid() bool {
	switch g {
	case GroupUser, GroupModerator, GroupAdmin:
		return true
	default:
		return false
	}
}

// User is a credential record.
type User struct {
	ID           ulid.ULID
	Email        string
	PasswordHash string
	Status       Status
	Group        Group

	// CredentialsNotBefore invalidates every access token issued before it.
	// Zero until the first global revoke.
	CredentialsNotBefore time.Time

	// Version is the optimistic concurrency token. Repositories bump it on
	// every successful Update.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser creates a pending user. email must already be normalized.
func NewUser(email, passwordHash string, group Group, now time.Time) (*User, error) {
	if email == "" {
		return nil, oops.Code("USER_INVALID_EMAIL").Errorf("email cannot be empty")
	}
	if passwordHash == "" {
		return nil, oops.Code("USER_INVALID_HASH").Errorf("password hash cannot be empty")
	}
	if !group.Valid() {
		return nil, oops.Code("USER_INVALID_GROUP").With("group", group).Errorf("unknown group")
	}
	return &User{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		Status:       StatusPending,
		Group:        group,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsActive reports whether the user completed activation.
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// Activate marks the user active. It is a no-op for an active user.
func (u *User) Activate(now time.Time) {
	if u.Status == StatusActive {
		return
	}
	u.Status = StatusActive
	u.UpdatedAt = now
}

// SetPasswordHash replaces the stored digest.
func (u *User) SetPasswordHash(hash string, now time.Time) {
	u.PasswordHash = hash
	u.UpdatedAt = now
}

// RevokeCredentialsAt invalidates all access tokens issued up to and
// including now. The marker has millisecond precision to match the iat_ms
// access token claim.
func (u *User) RevokeCredentialsAt(now time.Time) {
	marker := now.Truncate(time.Millisecond)
	if marker.After(u.CredentialsNotBefore) {
		u.CredentialsNotBefore = marker
	}
	u.UpdatedAt = now
}

// UserRepository manages credential records.
type UserRepository interface {
	// Create stores a new user. Returns ErrDuplicateEmail if the email is
	// already registered, checked atomically with the insert.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID. Returns ErrNotFound if missing.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by normalized email. Returns ErrNotFound
	// if missing.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Update writes user if its stored version equals user.Version, then
	// increments user.Version. Returns ErrConflict on a version mismatch.
	Update(ctx context.Context, user *User) error
}
