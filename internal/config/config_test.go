// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/accounts/internal/auth"
	"github.com/holomush/accounts/internal/config"
	"github.com/holomush/accounts/pkg/errutil"
)

const testKey = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() config.Config {
	cfg := config.Default()
	cfg.Tokens.SigningKey = testKey
	cfg.Database.URL = "postgres://localhost/accounts"
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *cfg)
	assert.Equal(t, auth.DefaultTokenTTLs(), cfg.Tokens.TTLs())
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
tokens:
  access_ttl: 5m
  issuer: from-file
registration:
  blocked_domains: ["*.invalid"]
mail:
  links:
    activation: https://app.example.com/activate
`)
	t.Setenv("ACCOUNTS_TOKENS__ISSUER", "from-env")
	t.Setenv("ACCOUNTS_TOKENS__SIGNING_KEY", testKey)
	t.Setenv("ACCOUNTS_SERVER__ADDR", ":9001")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server.addr", config.Default().Server.Addr, "")
	require.NoError(t, fs.Parse([]string{"--server.addr=:9002"}))

	cfg, err := config.Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, ":9002", cfg.Server.Addr, "flags win over env and file")
	assert.Equal(t, "from-env", cfg.Tokens.Issuer, "env wins over file")
	assert.Equal(t, testKey, cfg.Tokens.SigningKey)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.Tokens.ActivationTTL, "unset keys keep defaults")
	assert.Equal(t, []string{"*.invalid"}, cfg.Registration.BlockedDomains)
	assert.Equal(t, "https://app.example.com/activate", cfg.Mail.Links[auth.TemplateActivation])
}

func TestLoad_UnchangedFlagKeepsFileValue(t *testing.T) {
	path := writeFile(t, "server:\n  addr: \":9000\"\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server.addr", config.Default().Server.Addr, "")
	require.NoError(t, fs.Parse(nil))

	cfg, err := config.Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoad_UnchangedEmptyFlagKeepsDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("store.backend", "", "")
	require.NoError(t, fs.Parse(nil))

	cfg, err := config.Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
}

func TestLoad_EnvList(t *testing.T) {
	t.Setenv("ACCOUNTS_REGISTRATION__BLOCKED_DOMAINS", "*.invalid, mailinator.com")
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.invalid", "mailinator.com"}, cfg.Registration.BlockedDomains)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantKey string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"memory store needs no database", func(c *config.Config) { c.Store.Backend = config.BackendMemory; c.Database.URL = "" }, ""},
		{"missing signing key", func(c *config.Config) { c.Tokens.SigningKey = "" }, "tokens.signing_key"},
		{"short signing key", func(c *config.Config) { c.Tokens.SigningKey = "short" }, "tokens.signing_key"},
		{"missing database url", func(c *config.Config) { c.Database.URL = "" }, "database.url"},
		{"unknown store", func(c *config.Config) { c.Store.Backend = "sqlite" }, "store.backend"},
		{"unknown denylist", func(c *config.Config) { c.Denylist.Backend = "memcached" }, "denylist.backend"},
		{"bad ttl", func(c *config.Config) { c.Tokens.AccessTTL = 0 }, "tokens"},
		{"bad password policy", func(c *config.Config) { c.Password.MinLength = 0 }, "password"},
		{"unknown group", func(c *config.Config) { c.Registration.DefaultGroup = "ROOT" }, "registration.default_group"},
		{"ses needs from", func(c *config.Config) { c.Mail.Backend = config.MailBackendSES; c.Mail.From = "" }, "mail.from"},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorContext(t, err, "key", tt.wantKey)
		})
	}
}

func TestAuthOptions(t *testing.T) {
	cfg := validConfig()
	cfg.Sessions.KeepCurrentOnPasswordChange = true
	opts := cfg.AuthOptions()
	assert.Equal(t, []byte(testKey), opts.SigningKey)
	assert.Equal(t, auth.GroupUser, opts.DefaultGroup)
	assert.True(t, opts.MaskUnknownResend)
	assert.True(t, opts.KeepSessionOnPasswordChange)
}

func TestGenerateSchema(t *testing.T) {
	data, err := config.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, config.SchemaID, schema["$id"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"server", "tokens", "mail", "denylist"} {
		assert.Contains(t, props, key)
	}
}

func TestValidateFile(t *testing.T) {
	require.NoError(t, config.ValidateFile([]byte(`
store:
  backend: memory
tokens:
  access_ttl: 10m
  signing_key: `+testKey+`
`)))

	err := config.ValidateFile([]byte("store:\n  backend: sqlite\n"))
	errutil.AssertErrorContext(t, err, "reason", "schema validation failed")

	err = config.ValidateFile([]byte("tokens:\n  unknown_key: 1\n"))
	errutil.AssertErrorContext(t, err, "reason", "schema validation failed")

	err = config.ValidateFile([]byte("   "))
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}
