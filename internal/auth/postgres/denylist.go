// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"time"
)

// Denylist implements auth.Denylist using PostgreSQL.
type Denylist struct {
	s *Store
}

// Deny records tokenID until expiresAt. Denying twice keeps the later expiry.
func (d *Denylist) Deny(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := d.s.q(ctx).Exec(ctx, `
		INSERT INTO access_token_denylist (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO UPDATE
		SET expires_at = GREATEST(access_token_denylist.expires_at, EXCLUDED.expires_at)
	`, tokenID, expiresAt)
	if err != nil {
		return storeError("DENYLIST_INSERT_FAILED", err)
	}
	return nil
}

// IsDenied reports whether tokenID has an unexpired entry at now.
func (d *Denylist) IsDenied(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var denied bool
	err := d.s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_token_denylist WHERE token_id = $1 AND expires_at > $2
		)
	`, tokenID, now).Scan(&denied)
	if err != nil {
		return false, storeError("DENYLIST_LOOKUP_FAILED", err)
	}
	return denied, nil
}

// DeleteExpired removes entries that expired at or before the given time.
func (d *Denylist) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.s.q(ctx).Exec(ctx, `DELETE FROM access_token_denylist WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, storeError("DENYLIST_DELETE_EXPIRED_FAILED", err)
	}
	return result.RowsAffected(), nil
}
