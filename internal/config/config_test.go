package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Challenge.TTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.Permission.TTL.Std())
	assert.Equal(t, 5*time.Second, cfg.Session.PollInterval.Std())
	assert.Equal(t, 60, cfg.Session.PollAttempts)
	assert.False(t, cfg.Registry.AllowUnauthenticatedWrites)
}

func TestLoad_FileOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("GK_TEST_SECRET", strings.Repeat("s", 40))
	path := writeConfig(t, `
http:
  addr: ":8080"
admin:
  jwt_secret: "${GK_TEST_SECRET}"
challenge:
  ttl: 90s
session:
  poll_interval: 1s
  poll_attempts: 3
registry:
  allow_unauthenticated_writes: true
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, strings.Repeat("s", 40), cfg.Admin.JWTSecret)
	assert.Equal(t, 90*time.Second, cfg.Challenge.TTL.Std())
	assert.Equal(t, time.Second, cfg.Session.PollInterval.Std())
	assert.Equal(t, 3, cfg.Session.PollAttempts)
	assert.True(t, cfg.Registry.AllowUnauthenticatedWrites)
	assert.Equal(t, "text", cfg.Logging.Format)
	// untouched sections keep defaults
	assert.Equal(t, 10*time.Minute, cfg.Permission.TTL.Std())
}

func TestLoad_RedisURLFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "challenge:\n  ttl: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing duration")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Session.PollAttempts = 0
	cfg.HTTP.Addr = ":8080"
	cfg.Admin.JWTSecret = "short"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_attempts")
	assert.Contains(t, err.Error(), "jwt_secret")
}
