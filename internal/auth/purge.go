// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// Purge collections.
const (
	CollectionOneTimeTokens = "one_time_tokens"
	CollectionRefreshTokens = "refresh_tokens"
	CollectionDenylist      = "access_token_denylist"
)

// PurgeReport counts the rows removed per collection.
type PurgeReport map[string]int64

// Total returns the number of rows removed.
func (r PurgeReport) Total() int64 {
	var n int64
	for _, v := range r {
		n += v
	}
	return n
}

// PurgeExpired removes expired one-time tokens, expired refresh tokens and
// expired denylist entries. Expired rows can never validate, so removing them
// changes no outcome.
func (s *Service) PurgeExpired(ctx context.Context) (_ PurgeReport, err error) {
	ctx, end := s.begin(ctx, "purge")
	defer func() { end(err) }()

	now := s.clock.Now()
	report := PurgeReport{}
	steps := []struct {
		collection string
		purge      func(context.Context, time.Time) (int64, error)
	}{
		{CollectionOneTimeTokens, s.tokens.DeleteExpired},
		{CollectionRefreshTokens, s.refresh.DeleteExpired},
		{CollectionDenylist, s.denylist.DeleteExpired},
	}
	for _, step := range steps {
		n, err := step.purge(ctx, now)
		if err != nil {
			return report, oops.Code("AUTH_PURGE_FAILED").With("collection", step.collection).Wrap(err)
		}
		report[step.collection] = n
	}

	s.logger.InfoContext(ctx, "purged expired credentials",
		"one_time_tokens", report[CollectionOneTimeTokens],
		"refresh_tokens", report[CollectionRefreshTokens],
		"denylist", report[CollectionDenylist])
	return report, nil
}
