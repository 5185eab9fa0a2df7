package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func secretConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Parse([]byte(`
service:
  max_concurrent: 5
  default_timeout: 10m
api:
  enabled: true
  auth:
    api_key: admin-secret
    tokens:
      - token: scoped-secret
        scopes: [execute]
callback:
  secret: hmac-secret
providers:
  default: claude
  entries:
    claude:
      type: exec
      command: claude-runner
      env:
        ANTHROPIC_API_KEY: sk-secret
    echo:
      type: echo
`))
	require.NoError(t, err)
	return cfg
}

func TestGetPath(t *testing.T) {
	cfg := secretConfig(t)

	v, err := cfg.GetPath("service.max_concurrent")
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = cfg.GetPath("service.default_timeout")
	require.NoError(t, err)
	assert.Equal(t, "10m0s", v)

	v, err = cfg.GetPath("api.auth.api_key")
	require.NoError(t, err)
	assert.Equal(t, redacted, v)

	_, err = cfg.GetPath("service.nope")
	assert.ErrorContains(t, err, `key "nope" not found`)

	_, err = cfg.GetPath("service.max_concurrent.deeper")
	assert.ErrorContains(t, err, "not a map")
}

func TestGetPathProviderEntity(t *testing.T) {
	cfg := secretConfig(t)

	v, err := cfg.GetPath("provider:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "echo"}, v)

	v, err = cfg.GetPath("provider:claude")
	require.NoError(t, err)
	p, ok := v.(ProviderConf)
	require.True(t, ok)
	assert.Equal(t, "claude-runner", p.Command)
	assert.Equal(t, redacted, p.Env["ANTHROPIC_API_KEY"])

	_, err = cfg.GetPath("provider:missing")
	assert.Error(t, err)
	_, err = cfg.GetPath("plugin:x")
	assert.ErrorContains(t, err, "unsupported entity type")
}

func TestRedactedLeavesOriginalIntact(t *testing.T) {
	cfg := secretConfig(t)
	r := cfg.Redacted()

	assert.Equal(t, redacted, r.API.Auth.Tokens[0].Token)
	assert.Equal(t, redacted, r.Callback.Secret)
	assert.Equal(t, "admin-secret", cfg.API.Auth.APIKey)
	assert.Equal(t, "scoped-secret", cfg.API.Auth.Tokens[0].Token)
	assert.Equal(t, "sk-secret", cfg.Providers.Entries["claude"].Env["ANTHROPIC_API_KEY"])
}

func TestDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: {}\n"), 0o600))

	a, err := Digest(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "blake3:"))
	assert.Len(t, a, len("blake3:")+64)

	b, err := Digest(dir)
	require.NoError(t, err)
	assert.Equal(t, a, b, "directory resolves to config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("service: {name: x}\n"), 0o600))
	c, err := Digest(path)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = Digest(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
