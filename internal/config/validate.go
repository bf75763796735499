// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"log/slog"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/accounts/internal/auth"
)

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	invalid := func(key string, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
	}

	if c.Server.Addr == "" {
		return invalid("server.addr", "server.addr is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return invalid("database.url", "database.url is required for the postgres store")
		}
	case BackendMemory:
	default:
		return invalid("store.backend", "unknown store backend %q", c.Store.Backend)
	}

	switch c.Denylist.Backend {
	case BackendStore:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return invalid("redis.addr", "redis.addr is required for the redis denylist")
		}
	default:
		return invalid("denylist.backend", "unknown denylist backend %q", c.Denylist.Backend)
	}

	if len(c.Tokens.SigningKey) < auth.MinSigningKeyLength {
		return invalid("tokens.signing_key", "tokens.signing_key must be at least %d bytes", auth.MinSigningKeyLength)
	}
	if err := c.Tokens.TTLs().Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("key", "tokens").Wrap(err)
	}

	if err := c.Password.Policy().Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("key", "password").Wrap(err)
	}
	if !auth.Group(c.Registration.DefaultGroup).Valid() {
		return invalid("registration.default_group", "unknown group %q", c.Registration.DefaultGroup)
	}

	switch c.Mail.Backend {
	case MailBackendLog:
	case MailBackendSES:
		if c.Mail.From == "" {
			return invalid("mail.from", "mail.from is required for the ses backend")
		}
	default:
		return invalid("mail.backend", "unknown mail backend %q", c.Mail.Backend)
	}
	if c.Janitor.Interval < 0 {
		return invalid("janitor.interval", "janitor.interval must not be negative")
	}
	return nil
}

// ParseLevel maps a configured level name onto a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, oops.Code("CONFIG_INVALID").With("key", "log.level").Errorf("unknown log level %q", level)
	}
}
