// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis implements the access token denylist on Redis. Entries are
// written with a TTL matching the token's remaining lifetime, so Redis
// expires them on its own.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/clock"
)

// DefaultKeyPrefix namespaces denylist keys.
const DefaultKeyPrefix = "accounts:denylist:"

// Denylist implements auth.Denylist using Redis.
type Denylist struct {
	rdb    redis.Cmdable
	clock  clock.Clock
	prefix string
}

var _ auth.Denylist = (*Denylist)(nil)

// NewDenylist creates a Denylist. An empty prefix uses DefaultKeyPrefix.
func NewDenylist(rdb redis.Cmdable, clk clock.Clock, prefix string) (*Denylist, error) {
	if rdb == nil {
		return nil, oops.Errorf("redis client is required")
	}
	if clk == nil {
		return nil, oops.Errorf("clock is required")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Denylist{rdb: rdb, clock: clk, prefix: prefix}, nil
}

func (d *Denylist) key(tokenID string) string { return d.prefix + tokenID }

// Deny records tokenID until expiresAt. Tokens that already expired are not
// stored since they can no longer validate.
func (d *Denylist) Deny(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(d.clock.Now())
	if ttl <= 0 {
		return nil
	}
	value := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	if err := d.rdb.Set(ctx, d.key(tokenID), value, ttl).Err(); err != nil {
		return oops.Code("DENYLIST_INSERT_FAILED").With("token_id", tokenID).Wrap(err)
	}
	return nil
}

// IsDenied reports whether tokenID has an unexpired entry at now.
func (d *Denylist) IsDenied(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	value, err := d.rdb.Get(ctx, d.key(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, oops.Code("DENYLIST_LOOKUP_FAILED").With("token_id", tokenID).Wrap(err)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, oops.Code("DENYLIST_ENTRY_INVALID").With("token_id", tokenID).Wrap(err)
	}
	return now.Before(time.UnixMilli(ms)), nil
}

// DeleteExpired is a no-op: Redis expires entries itself.
func (d *Denylist) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
