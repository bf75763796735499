// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/auth/postgres"
	"github.com/holomush/accounts/internal/clock"
)

type capturingMailer struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *capturingMailer) Send(_ context.Context, _ string, templateID string, payload map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[templateID] = payload["token"]
	return nil
}

func (m *capturingMailer) token(templateID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[templateID]
}

var _ = Describe("Store", func() {
	var (
		ctx   context.Context
		s     *postgres.Store
		clk   *clock.Manual
		start = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		s = postgres.NewStore(testPool)
		clk = clock.NewManual(start)
	})

	newUser := func(email string) *auth.User {
		u, err := auth.NewUser(email, "hash", auth.GroupUser, clk.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Users().Create(ctx, u)).To(Succeed())
		return u
	}

	Describe("users", func() {
		It("rejects an email that differs only in case", func() {
			newUser("ada@example.com")
			dup, err := auth.NewUser("ADA@example.com", "hash", auth.GroupUser, clk.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Users().Create(ctx, dup)).To(MatchError(auth.ErrDuplicateEmail))
		})

		It("round-trips the not-before marker and detects stale writes", func() {
			u := newUser("ada@example.com")
			stale := *u

			u.RevokeCredentialsAt(clk.Advance(time.Minute))
			Expect(s.Users().Update(ctx, u)).To(Succeed())
			Expect(s.Users().Update(ctx, &stale)).To(MatchError(auth.ErrConflict))

			got, err := s.Users().GetByID(ctx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CredentialsNotBefore).To(BeTemporally("==", u.CredentialsNotBefore))
			Expect(got.Version).To(Equal(u.Version))
		})
	})

	Describe("one-time tokens", func() {
		It("keeps one outstanding token per purpose and consumes once", func() {
			u := newUser("ada@example.com")
			mk := func(hash string) *auth.OneTimeToken {
				return &auth.OneTimeToken{
					ID: ulid.Make(), UserID: u.ID, Purpose: auth.PurposeActivation,
					TokenHash: hash, ExpiresAt: clk.Now().Add(time.Hour), CreatedAt: clk.Now(),
				}
			}
			first, second := mk("h1"), mk("h2")
			Expect(s.InTransaction(ctx, func(ctx context.Context) error {
				return s.OneTimeTokens().Replace(ctx, first)
			})).To(Succeed())
			Expect(s.InTransaction(ctx, func(ctx context.Context) error {
				return s.OneTimeTokens().Replace(ctx, second)
			})).To(Succeed())

			_, err := s.OneTimeTokens().GetByHash(ctx, auth.PurposeActivation, "h1")
			Expect(err).To(MatchError(auth.ErrNotFound))

			Expect(s.OneTimeTokens().Consume(ctx, second.ID, clk.Now())).To(Succeed())
			Expect(s.OneTimeTokens().Consume(ctx, second.ID, clk.Now())).To(MatchError(auth.ErrConflict))
		})
	})

	Describe("refresh tokens", func() {
		It("rotates, revokes all, and purges", func() {
			u := newUser("ada@example.com")
			a := &auth.RefreshToken{ID: ulid.Make(), UserID: u.ID, TokenHash: "a", IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)}
			b := &auth.RefreshToken{ID: ulid.Make(), UserID: u.ID, TokenHash: "b", IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(48 * time.Hour)}
			Expect(s.RefreshTokens().Create(ctx, a)).To(Succeed())
			Expect(s.RefreshTokens().Create(ctx, b)).To(Succeed())

			Expect(s.RefreshTokens().Revoke(ctx, a.ID, clk.Now(), &b.ID)).To(Succeed())
			Expect(s.RefreshTokens().Revoke(ctx, a.ID, clk.Now(), nil)).To(MatchError(auth.ErrConflict))

			got, err := s.RefreshTokens().GetByHash(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(*got.ReplacedBy).To(Equal(b.ID))

			n, err := s.RefreshTokens().RevokeAllForUser(ctx, u.ID, clk.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))

			n, err = s.RefreshTokens().DeleteExpired(ctx, clk.Now().Add(2*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))
		})
	})

	Describe("denylist", func() {
		It("expires entries passively", func() {
			Expect(s.Denylist().Deny(ctx, "jti", clk.Now().Add(time.Minute))).To(Succeed())
			Expect(s.Denylist().Deny(ctx, "jti", clk.Now().Add(time.Minute))).To(Succeed())

			denied, err := s.Denylist().IsDenied(ctx, "jti", clk.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(denied).To(BeTrue())

			denied, err = s.Denylist().IsDenied(ctx, "jti", clk.Now().Add(2*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(denied).To(BeFalse())
		})
	})

	Describe("service", func() {
		It("runs the full credential lifecycle", func() {
			mailer := &capturingMailer{tokens: map[string]string{}}
			emailPolicy, err := auth.NewEmailPolicy(nil)
			Expect(err).NotTo(HaveOccurred())
			opts := auth.DefaultOptions()
			opts.SigningKey = []byte("0123456789abcdef0123456789abcdef")
			svc, err := auth.NewService(auth.Deps{
				Tx:            s,
				Users:         s.Users(),
				OneTimeTokens: s.OneTimeTokens(),
				RefreshTokens: s.RefreshTokens(),
				Denylist:      s.Denylist(),
				Hasher:        auth.NewArgon2idHasher(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1}),
				Mailer:        mailer,
				Clock:         clk,
				Email:         emailPolicy,
				Password:      auth.DefaultPasswordPolicy(),
				Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
			}, opts)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Register(ctx, "ada@example.com", "Secret123!")
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.Activate(ctx, mailer.token(auth.TemplateActivation))).To(Succeed())

			pair, err := svc.Login(ctx, "ada@example.com", "Secret123!")
			Expect(err).NotTo(HaveOccurred())

			clk.Advance(time.Second)
			rotated, err := svc.Refresh(ctx, pair.RefreshToken)
			Expect(err).NotTo(HaveOccurred())

			clk.Advance(time.Second)
			_, err = svc.Refresh(ctx, pair.RefreshToken)
			Expect(auth.KindOf(err)).To(Equal(auth.KindTokenReused))
			_, err = svc.Refresh(ctx, rotated.RefreshToken)
			Expect(err).To(MatchError(auth.ErrTokenRevoked))

			_, err = svc.Authenticate(ctx, rotated.AccessToken)
			Expect(auth.KindOf(err)).To(Equal(auth.KindInvalidToken))
		})
	})
})
