// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the accounts service configuration. Sources are
// layered with later ones winning: built-in defaults, a YAML file,
// ACCOUNTS_* environment variables, then command-line flags.
package config

import (
	"time"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/mail"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Denylist backends. BackendStore keeps the denylist next to the other
// auth tables.
const (
	BackendStore = "store"
	BackendRedis = "redis"
)

// Mail backends.
const (
	MailBackendLog = "log"
	MailBackendSES = "ses"
)

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Log           LogConfig           `koanf:"log"`
	Store         StoreConfig         `koanf:"store"`
	Database      DatabaseConfig      `koanf:"database"`
	Denylist      DenylistConfig      `koanf:"denylist"`
	Redis         RedisConfig         `koanf:"redis"`
	Tokens        TokensConfig        `koanf:"tokens"`
	Password      PasswordConfig      `koanf:"password"`
	Registration  RegistrationConfig  `koanf:"registration"`
	Masking       MaskingConfig       `koanf:"masking"`
	Sessions      SessionsConfig      `koanf:"sessions"`
	Mail          MailConfig          `koanf:"mail"`
	Janitor       JanitorConfig       `koanf:"janitor"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr" jsonschema:"description=HTTP API listen address"`
	ReadTimeout     time.Duration `koanf:"read_timeout" jsonschema:"type=string,example=10s"`
	WriteTimeout    time.Duration `koanf:"write_timeout" jsonschema:"type=string,example=10s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" jsonschema:"type=string,example=5s"`
}

// ObservabilityConfig configures the metrics and health listener.
type ObservabilityConfig struct {
	Addr string `koanf:"addr" jsonschema:"description=metrics/health listen address; empty disables"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Backend string `koanf:"backend" jsonschema:"enum=postgres,enum=memory"`
}

// DatabaseConfig configures PostgreSQL.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime" jsonschema:"type=string"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DenylistConfig selects where logged-out access tokens are recorded.
type DenylistConfig struct {
	Backend   string `koanf:"backend" jsonschema:"enum=store,enum=redis"`
	KeyPrefix string `koanf:"key_prefix"`
}

// RedisConfig configures the Redis client used by the redis denylist.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// TokensConfig configures token signing and lifetimes.
type TokensConfig struct {
	SigningKey       string        `koanf:"signing_key" jsonschema:"minLength=32"`
	Issuer           string        `koanf:"issuer"`
	ActivationTTL    time.Duration `koanf:"activation_ttl" jsonschema:"type=string,example=24h"`
	PasswordResetTTL time.Duration `koanf:"password_reset_ttl" jsonschema:"type=string,example=1h"`
	AccessTTL        time.Duration `koanf:"access_ttl" jsonschema:"type=string,example=15m"`
	RefreshTTL       time.Duration `koanf:"refresh_ttl" jsonschema:"type=string,example=720h"`
	ConflictRetry    time.Duration `koanf:"conflict_retry_delay" jsonschema:"type=string"`
}

// TTLs converts the lifetimes into auth.TokenTTLs.
func (c TokensConfig) TTLs() auth.TokenTTLs {
	return auth.TokenTTLs{
		Activation:    c.ActivationTTL,
		PasswordReset: c.PasswordResetTTL,
		Access:        c.AccessTTL,
		Refresh:       c.RefreshTTL,
	}
}

// PasswordConfig configures password strength rules and hashing cost.
type PasswordConfig struct {
	MinLength     int    `koanf:"min_length"`
	MaxLength     int    `koanf:"max_length"`
	RequireUpper  bool   `koanf:"require_upper"`
	RequireLower  bool   `koanf:"require_lower"`
	RequireDigit  bool   `koanf:"require_digit"`
	RequireSymbol bool   `koanf:"require_symbol"`
	Argon2Time    uint32 `koanf:"argon2_time"`
	Argon2Memory  uint32 `koanf:"argon2_memory_kib"`
	Argon2Threads uint8  `koanf:"argon2_threads"`
}

// Policy converts the strength rules into an auth.PasswordPolicy.
func (c PasswordConfig) Policy() auth.PasswordPolicy {
	return auth.PasswordPolicy{
		MinLength:     c.MinLength,
		MaxLength:     c.MaxLength,
		RequireUpper:  c.RequireUpper,
		RequireLower:  c.RequireLower,
		RequireDigit:  c.RequireDigit,
		RequireSymbol: c.RequireSymbol,
	}
}

// Argon2 returns the hashing cost parameters.
func (c PasswordConfig) Argon2() auth.Argon2Params {
	return auth.Argon2Params{Time: c.Argon2Time, Memory: c.Argon2Memory, Threads: c.Argon2Threads}
}

// RegistrationConfig configures new accounts.
type RegistrationConfig struct {
	DefaultGroup   string   `koanf:"default_group" jsonschema:"enum=USER,enum=MODERATOR,enum=ADMIN"`
	BlockedDomains []string `koanf:"blocked_domains" jsonschema:"description=glob patterns such as *.example"`
}

// MaskingConfig configures enumeration-safe responses.
type MaskingConfig struct {
	ResendActivation bool `koanf:"resend_activation"`
}

// SessionsConfig configures session handling.
type SessionsConfig struct {
	KeepCurrentOnPasswordChange bool `koanf:"keep_current_on_password_change"`
}

// MailConfig configures outbound mail.
type MailConfig struct {
	Backend   string                         `koanf:"backend" jsonschema:"enum=log,enum=ses"`
	From      string                         `koanf:"from"`
	Region    string                         `koanf:"region"`
	Timeout   time.Duration                  `koanf:"timeout" jsonschema:"type=string,example=10s"`
	Links     map[string]string              `koanf:"links" jsonschema:"description=frontend URL per template ID"`
	Templates map[string]mail.TemplateSource `koanf:"templates"`
}

// JanitorConfig configures the periodic purge of expired credentials.
type JanitorConfig struct {
	Interval time.Duration `koanf:"interval" jsonschema:"type=string,description=0 disables"`
}

// Default returns the built-in configuration. It has no signing key.
func Default() Config {
	ttls := auth.DefaultTokenTTLs()
	policy := auth.DefaultPasswordPolicy()
	argon := auth.DefaultArgon2Params()
	opts := auth.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Observability: ObservabilityConfig{Addr: "127.0.0.1:9100"},
		Log:           LogConfig{Format: "json", Level: "info"},
		Store:         StoreConfig{Backend: BackendPostgres},
		Database:      DatabaseConfig{MaxConns: 10, MaxConnLifetime: time.Hour},
		Denylist:      DenylistConfig{Backend: BackendStore},
		Redis:         RedisConfig{Addr: "localhost:6379"},
		Tokens: TokensConfig{
			Issuer:           opts.Issuer,
			ActivationTTL:    ttls.Activation,
			PasswordResetTTL: ttls.PasswordReset,
			AccessTTL:        ttls.Access,
			RefreshTTL:       ttls.Refresh,
			ConflictRetry:    opts.ConflictRetryDelay,
		},
		Password: PasswordConfig{
			MinLength:     policy.MinLength,
			MaxLength:     policy.MaxLength,
			RequireUpper:  policy.RequireUpper,
			RequireLower:  policy.RequireLower,
			RequireDigit:  policy.RequireDigit,
			RequireSymbol: policy.RequireSymbol,
			Argon2Time:    argon.Time,
			Argon2Memory:  argon.Memory,
			Argon2Threads: argon.Threads,
		},
		Registration: RegistrationConfig{DefaultGroup: string(opts.DefaultGroup)},
		Masking:      MaskingConfig{ResendActivation: opts.MaskUnknownResend},
		Sessions:     SessionsConfig{KeepCurrentOnPasswordChange: opts.KeepSessionOnPasswordChange},
		Mail: MailConfig{
			Backend: MailBackendLog,
			From:    "no-reply@localhost",
			Timeout: opts.MailTimeout,
		},
		Janitor: JanitorConfig{Interval: 15 * time.Minute},
	}
}

// AuthOptions converts the configuration into auth.Options.
func (c *Config) AuthOptions() auth.Options {
	return auth.Options{
		TTLs:                        c.Tokens.TTLs(),
		SigningKey:                  []byte(c.Tokens.SigningKey),
		Issuer:                      c.Tokens.Issuer,
		DefaultGroup:                auth.Group(c.Registration.DefaultGroup),
		MaskUnknownResend:           c.Masking.ResendActivation,
		KeepSessionOnPasswordChange: c.Sessions.KeepCurrentOnPasswordChange,
		MailTimeout:                 c.Mail.Timeout,
		ConflictRetryDelay:          c.Tokens.ConflictRetry,
	}
}
