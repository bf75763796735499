// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory provides an in-process transactional store for the auth
// repositories. A transaction holds one store-wide lock for its duration and
// restores a snapshot when the transaction function fails.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

type txKey struct{}

type state struct {
	users    map[ulid.ULID]auth.User
	emails   map[string]ulid.ULID
	oneTime  map[ulid.ULID]auth.OneTimeToken
	refresh  map[ulid.ULID]auth.RefreshToken
	denylist map[string]time.Time
}

func newState() state {
	return state{
		users:    make(map[ulid.ULID]auth.User),
		emails:   make(map[string]ulid.ULID),
		oneTime:  make(map[ulid.ULID]auth.OneTimeToken),
		refresh:  make(map[ulid.ULID]auth.RefreshToken),
		denylist: make(map[string]time.Time),
	}
}

// clone copies the maps. Values hold pointers only to immutable times and
// IDs, which repositories replace rather than mutate.
func (s state) clone() state {
	return state{
		users:    maps.Clone(s.users),
		emails:   maps.Clone(s.emails),
		oneTime:  maps.Clone(s.oneTime),
		refresh:  maps.Clone(s.refresh),
		denylist: maps.Clone(s.denylist),
	}
}

// Store is an in-memory implementation of every auth repository.
type Store struct {
	mu sync.Mutex
	st state
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{st: newState()}
}

var _ auth.Transactor = (*Store)(nil)

// InTransaction runs fn holding the store lock. Nested calls join the
// outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// lock acquires the store lock unless ctx already runs inside one of this
// store's transactions.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Users returns the user repository.
func (s *Store) Users() auth.UserRepository { return userRepo{s} }

// OneTimeTokens returns the one-time token repository.
func (s *Store) OneTimeTokens() auth.OneTimeTokenRepository { return oneTimeRepo{s} }

// RefreshTokens returns the refresh token repository.
func (s *Store) RefreshTokens() auth.RefreshTokenRepository { return refreshRepo{s} }

// Denylist returns the access token denylist.
func (s *Store) Denylist() auth.Denylist { return denylist{s} }

type userRepo struct{ s *Store }

func (r userRepo) Create(ctx context.Context, user *auth.User) error {
	defer r.s.lock(ctx)()
	st := &r.s.st
	if _, taken := st.emails[user.Email]; taken {
		return oops.Code("USER_DUPLICATE_EMAIL").With("email", user.Email).Wrap(auth.ErrDuplicateEmail)
	}
	if _, exists := st.users[user.ID]; exists {
		return oops.Code("USER_CREATE_FAILED").With("user_id", user.ID.String()).Wrap(auth.ErrConflict)
	}
	st.users[user.ID] = *user
	st.emails[user.Email] = user.ID
	return nil
}

func (r userRepo) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	defer r.s.lock(ctx)()
	u, ok := r.s.st.users[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("user_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return &u, nil
}

func (r userRepo) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	defer r.s.lock(ctx)()
	id, ok := r.s.st.emails[email]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
	}
	u := r.s.st.users[id]
	return &u, nil
}

func (r userRepo) Update(ctx context.Context, user *auth.User) error {
	defer r.s.lock(ctx)()
	stored, ok := r.s.st.users[user.ID]
	if !ok {
		return oops.Code("USER_NOT_FOUND").With("user_id", user.ID.String()).Wrap(auth.ErrNotFound)
	}
	if stored.Version != user.Version {
		return oops.Code("USER_VERSION_CONFLICT").
			With("user_id", user.ID.String()).
			With("expected_version", user.Version).
			With("stored_version", stored.Version).
			Wrap(auth.ErrConflict)
	}
	updated := *user
	updated.Email = stored.Email
	updated.Version++
	r.s.st.users[user.ID] = updated
	user.Version = updated.Version
	return nil
}

type oneTimeRepo struct{ s *Store }

func (r oneTimeRepo) Replace(ctx context.Context, token *auth.OneTimeToken) error {
	defer r.s.lock(ctx)()
	st := &r.s.st
	if _, ok := st.users[token.UserID]; !ok {
		return oops.Code("TOKEN_CREATE_FAILED").With("user_id", token.UserID.String()).Wrap(auth.ErrNotFound)
	}
	for id, t := range st.oneTime {
		if t.UserID == token.UserID && t.Purpose == token.Purpose && t.ConsumedAt == nil {
			delete(st.oneTime, id)
		}
	}
	st.oneTime[token.ID] = *token
	return nil
}

func (r oneTimeRepo) GetByHash(ctx context.Context, purpose auth.Purpose, tokenHash string) (*auth.OneTimeToken, error) {
	defer r.s.lock(ctx)()
	for _, t := range r.s.st.oneTime {
		if t.Purpose == purpose && t.TokenHash == tokenHash {
			return &t, nil
		}
	}
	return nil, oops.Code("TOKEN_NOT_FOUND").With("purpose", purpose).Wrap(auth.ErrNotFound)
}

func (r oneTimeRepo) Consume(ctx context.Context, id ulid.ULID, at time.Time) error {
	defer r.s.lock(ctx)()
	t, ok := r.s.st.oneTime[id]
	if !ok || t.ConsumedAt != nil {
		return oops.Code("TOKEN_CONSUME_CONFLICT").With("token_id", id.String()).Wrap(auth.ErrConflict)
	}
	t.ConsumedAt = &at
	r.s.st.oneTime[id] = t
	return nil
}

func (r oneTimeRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, t := range r.s.st.oneTime {
		if t.ExpiresAt.Before(before) {
			delete(r.s.st.oneTime, id)
			n++
		}
	}
	return n, nil
}

type refreshRepo struct{ s *Store }

func (r refreshRepo) Create(ctx context.Context, token *auth.RefreshToken) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.st.users[token.UserID]; !ok {
		return oops.Code("SESSION_CREATE_FAILED").With("user_id", token.UserID.String()).Wrap(auth.ErrNotFound)
	}
	r.s.st.refresh[token.ID] = *token
	return nil
}

func (r refreshRepo) GetByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	defer r.s.lock(ctx)()
	for _, t := range r.s.st.refresh {
		if t.TokenHash == tokenHash {
			return &t, nil
		}
	}
	return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
}

func (r refreshRepo) Revoke(ctx context.Context, id ulid.ULID, at time.Time, replacedBy *ulid.ULID) error {
	defer r.s.lock(ctx)()
	t, ok := r.s.st.refresh[id]
	if !ok || t.RevokedAt != nil {
		return oops.Code("SESSION_REVOKE_CONFLICT").With("session_id", id.String()).Wrap(auth.ErrConflict)
	}
	t.RevokedAt = &at
	t.ReplacedBy = replacedBy
	r.s.st.refresh[id] = t
	return nil
}

func (r refreshRepo) RevokeAllForUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, t := range r.s.st.refresh {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
			r.s.st.refresh[id] = t
			n++
		}
	}
	return n, nil
}

func (r refreshRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, t := range r.s.st.refresh {
		if t.ExpiresAt.Before(before) {
			delete(r.s.st.refresh, id)
			n++
		}
	}
	return n, nil
}

type denylist struct{ s *Store }

func (d denylist) Deny(ctx context.Context, tokenID string, expiresAt time.Time) error {
	defer d.s.lock(ctx)()
	d.s.st.denylist[tokenID] = expiresAt
	return nil
}

func (d denylist) IsDenied(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	defer d.s.lock(ctx)()
	expiresAt, ok := d.s.st.denylist[tokenID]
	return ok && now.Before(expiresAt), nil
}

func (d denylist) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer d.s.lock(ctx)()
	var n int64
	for id, expiresAt := range d.s.st.denylist {
		if !expiresAt.After(before) {
			delete(d.s.st.denylist, id)
			n++
		}
	}
	return n, nil
}
