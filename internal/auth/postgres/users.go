// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

const userColumns = `id, email, password_hash, status, user_group, credentials_not_before, version, created_at, updated_at`

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	s *Store
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	_, err := r.s.q(ctx).Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		user.ID.String(),
		user.Email,
		user.PasswordHash,
		string(user.Status),
		string(user.Group),
		nullTime(user.CredentialsNotBefore),
		user.Version,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return storeError("USER_CREATE_FAILED", err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := r.s.q(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With("user_id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("USER_GET_FAILED", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := r.s.q(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, storeError("USER_GET_FAILED", err)
	}
	return user, nil
}

// Update writes user if its version still matches the stored one, then
// advances user.Version.
func (r *UserRepository) Update(ctx context.Context, user *auth.User) error {
	q := r.s.q(ctx)
	result, err := q.Exec(ctx, `
		UPDATE users
		SET password_hash = $3, status = $4, user_group = $5,
		    credentials_not_before = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
	`,
		user.ID.String(),
		user.Version,
		user.PasswordHash,
		string(user.Status),
		string(user.Group),
		nullTime(user.CredentialsNotBefore),
		user.UpdatedAt,
	)
	if err != nil {
		return storeError("USER_UPDATE_FAILED", err)
	}
	if result.RowsAffected() == 0 {
		var stored int64
		err := q.QueryRow(ctx, `SELECT version FROM users WHERE id = $1`, user.ID.String()).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return oops.Code("USER_NOT_FOUND").With("user_id", user.ID.String()).Wrap(auth.ErrNotFound)
		}
		if err != nil {
			return storeError("USER_UPDATE_FAILED", err)
		}
		return oops.Code("USER_VERSION_CONFLICT").
			With("user_id", user.ID.String()).
			With("expected_version", user.Version).
			With("stored_version", stored).
			Wrap(auth.ErrConflict)
	}
	user.Version++
	return nil
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		idStr, status, group string
		notBefore            *time.Time
		user                 auth.User
	)
	if err := row.Scan(&idStr, &user.Email, &user.PasswordHash, &status, &group,
		&notBefore, &user.Version, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("operation", "parse user id").With("id", idStr).Wrap(err)
	}
	user.ID = id
	user.Status = auth.Status(status)
	user.Group = auth.Group(group)
	if notBefore != nil {
		user.CredentialsNotBefore = notBefore.UTC()
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return &user, nil
}
