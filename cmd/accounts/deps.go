// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/auth/memory"
	"github.com/holomush/accounts/internal/auth/postgres"
	"github.com/holomush/accounts/internal/auth/redis"
	"github.com/holomush/accounts/internal/clock"
	"github.com/holomush/accounts/internal/config"
	"github.com/holomush/accounts/internal/mail"
	"github.com/holomush/accounts/internal/observability"
	"github.com/holomush/accounts/internal/store"
)

// Deps contains injectable constructors for external systems.
// All fields with nil values will use their default implementations.
type Deps struct {
	// PoolOpener connects to PostgreSQL.
	// Default: store.Open
	PoolOpener func(ctx context.Context, dsn string, cfg store.PoolConfig) (*pgxpool.Pool, error)

	// MigratorFactory creates a schema migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// RedisFactory creates the Redis client of the redis denylist.
	// Default: goredis.NewClient
	RedisFactory func(cfg config.RedisConfig) RedisClient

	// SESFactory creates the SES mail sender.
	// Default: mail.NewSESSenderFromEnv
	SESFactory func(ctx context.Context, region, from string) (mail.Sender, error)

	// Clock is the service clock.
	// Default: clock.System
	Clock clock.Clock
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}

// RedisClient wraps the Redis commands used by the denylist and readiness.
type RedisClient interface {
	goredis.Cmdable
	Close() error
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.PoolOpener == nil {
		out.PoolOpener = store.Open
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if out.RedisFactory == nil {
		out.RedisFactory = func(cfg config.RedisConfig) RedisClient {
			return goredis.NewClient(&goredis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		}
	}
	if out.SESFactory == nil {
		out.SESFactory = func(ctx context.Context, region, from string) (mail.Sender, error) {
			return mail.NewSESSenderFromEnv(ctx, region, from)
		}
	}
	if out.Clock == nil {
		out.Clock = clock.System{}
	}
	return &out
}

// credentialStore is the repository set the service runs on.
type credentialStore interface {
	auth.Transactor
	Users() auth.UserRepository
	OneTimeTokens() auth.OneTimeTokenRepository
	RefreshTokens() auth.RefreshTokenRepository
	Denylist() auth.Denylist
}

// backend is the assembled service and the resources it holds.
type backend struct {
	service *auth.Service
	checks  []observability.ReadinessChecker
	closers []func() error
}

// Ready reports whether every backing system answers.
func (b *backend) Ready(ctx context.Context) bool {
	for _, check := range b.checks {
		if !check(ctx) {
			return false
		}
	}
	return true
}

// Close releases resources in reverse acquisition order.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// buildBackend connects the configured store, denylist and mail backends and
// assembles the auth service. cfg must already be validated.
func buildBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics auth.Recorder, deps *Deps) (_ *backend, err error) {
	deps = deps.withDefaults()
	b := &backend{}
	defer func() {
		if err != nil {
			if closeErr := b.Close(); closeErr != nil {
				logger.Warn("cleanup after failed startup", "error", closeErr)
			}
		}
	}()

	var creds credentialStore
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if cfg.Database.AutoMigrate {
			if err := migrateUp(deps, cfg.Database.URL, logger); err != nil {
				return nil, err
			}
		}
		pool, err := deps.PoolOpener(ctx, cfg.Database.URL, store.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.checks = append(b.checks, func(ctx context.Context) bool { return pool.Ping(ctx) == nil })
		creds = postgres.NewStore(pool)
	case config.BackendMemory:
		logger.Warn("using the in-memory store; accounts are lost on restart")
		creds = memory.NewStore()
	default:
		return nil, oops.Code("CONFIG_INVALID").With("key", "store.backend").Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	denylist := creds.Denylist()
	if cfg.Denylist.Backend == config.BackendRedis {
		rdb := deps.RedisFactory(cfg.Redis)
		b.closers = append(b.closers, rdb.Close)
		b.checks = append(b.checks, func(ctx context.Context) bool { return rdb.Ping(ctx).Err() == nil })
		rd, err := redis.NewDenylist(rdb, deps.Clock, cfg.Denylist.KeyPrefix)
		if err != nil {
			return nil, oops.Code("DENYLIST_INIT_FAILED").Wrap(err)
		}
		denylist = rd
	}

	mailer, err := buildMailer(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	emailPolicy, err := auth.NewEmailPolicy(cfg.Registration.BlockedDomains)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("key", "registration.blocked_domains").Wrap(err)
	}

	svc, err := auth.NewService(auth.Deps{
		Tx:            creds,
		Users:         creds.Users(),
		OneTimeTokens: creds.OneTimeTokens(),
		RefreshTokens: creds.RefreshTokens(),
		Denylist:      denylist,
		Hasher:        auth.NewArgon2idHasher(cfg.Password.Argon2()),
		Mailer:        mailer,
		Clock:         deps.Clock,
		Email:         emailPolicy,
		Password:      cfg.Password.Policy(),
		Metrics:       metrics,
		Logger:        logger,
	}, cfg.AuthOptions())
	if err != nil {
		return nil, err
	}
	b.service = svc
	return b, nil
}

func buildMailer(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Deps) (*mail.Mailer, error) {
	templates, err := mail.NewTemplates(cfg.Mail.Templates)
	if err != nil {
		return nil, err
	}

	var sender mail.Sender
	switch cfg.Mail.Backend {
	case config.MailBackendSES:
		sender, err = deps.SESFactory(ctx, cfg.Mail.Region, cfg.Mail.From)
		if err != nil {
			return nil, err
		}
	default:
		sender = mail.NewLogSender(logger)
	}

	opts := []mail.Option{mail.WithLogger(logger)}
	for templateID, base := range cfg.Mail.Links {
		opts = append(opts, mail.WithLinkBase(templateID, base))
	}
	return mail.NewMailer(sender, templates, opts...)
}

// migrateUp applies every pending migration.
func migrateUp(deps *Deps, databaseURL string, logger *slog.Logger) (err error) {
	m, err := deps.MigratorFactory(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	pending, err := m.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("schema is up to date")
		return nil
	}
	logger.Info("applying migrations", "pending", pending)
	return m.Up()
}
