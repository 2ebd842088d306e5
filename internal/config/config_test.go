package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KV_URL", "redis://localhost:6379/0")
	t.Setenv("DOCSTORE_URI", "user:pass@tcp(localhost:3306)/dialcast?parseTime=true")
	t.Setenv("JWT_SECRET", testSecret)
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.API.Address())
	assert.Equal(t, 50, cfg.Dialer.MaxGlobalCalls)
	assert.Equal(t, 20, cfg.Dialer.MaxPerLineCalls)
	assert.Equal(t, 50, cfg.Dialer.DefaultBatch)
	assert.Equal(t, "UTC", cfg.Scheduler.DefaultTimezone)
	assert.Equal(t, "09:00", cfg.Scheduler.BusinessHoursStart)
	assert.Equal(t, 3, cfg.Queue.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.RetryBackoffDelay)
	assert.Equal(t, 10*time.Second, cfg.Telephony.RequestTimeout)
}

func TestLoadYAMLFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "dialcast.yaml")
	data := []byte(`
api:
  port: 9090
dialer:
  max_global_calls: 100
  dispatch_per_sec: 25
queue:
  retry_attempts: 5
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 100, cfg.Dialer.MaxGlobalCalls)
	assert.Equal(t, float64(25), cfg.Dialer.DispatchPerSec)
	assert.Equal(t, 5, cfg.Queue.RetryAttempts)
	// Untouched sections keep their defaults
	assert.Equal(t, 50, cfg.Dialer.DefaultBatch)
}

func TestEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "8181")
	t.Setenv("DEFAULT_TIMEZONE", "America/New_York")
	t.Setenv("QUEUE_RETRY_BACKOFF_DELAY", "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.API.Port)
	assert.Equal(t, "America/New_York", cfg.Scheduler.DefaultTimezone)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryBackoffDelay)
}

func TestBackoffDelayAcceptsMilliseconds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("QUEUE_RETRY_BACKOFF_DELAY", "250")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.RetryBackoffDelay)
}

func TestValidate(t *testing.T) {
	setRequiredEnv(t)

	t.Run("missing kv url", func(t *testing.T) {
		t.Setenv("KV_URL", "")
		_, err := Load("")
		assert.ErrorContains(t, err, "KV_URL")
	})

	t.Run("missing database uri", func(t *testing.T) {
		t.Setenv("DOCSTORE_URI", "")
		_, err := Load("")
		assert.ErrorContains(t, err, "DOCSTORE_URI")
	})

	t.Run("short jwt secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "tooshort")
		_, err := Load("")
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("bad timezone", func(t *testing.T) {
		t.Setenv("DEFAULT_TIMEZONE", "Mars/Olympus")
		_, err := Load("")
		assert.ErrorContains(t, err, "DEFAULT_TIMEZONE")
	})
}
