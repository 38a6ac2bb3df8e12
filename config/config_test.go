package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ENCODING_PROVIDER_URL", "https://encoder.example.com")
	t.Setenv("STORAGE_ACCOUNT", "acct")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Encoding.Concurrency)
	assert.Equal(t, 3, cfg.Encoding.MaxAttempts)
	assert.Equal(t, 10, cfg.Encoding.DefaultPriority)
	assert.Equal(t, 24*time.Hour, cfg.Encoding.JobRetention)
	assert.Equal(t, 10*time.Second, cfg.Encoding.RetryBackoff)
	assert.True(t, cfg.Encoding.Dispatch)
	assert.Equal(t, "*/5 * * * *", cfg.Watchdog.Schedule)
	assert.Equal(t, 30*time.Minute, cfg.Watchdog.StuckAfter)
	assert.Equal(t, 60*time.Minute, cfg.Watchdog.TimeoutAfter)
	assert.Equal(t, "* * * * *", cfg.Publishing.PublishSchedule)
	assert.Equal(t, "*/15 * * * *", cfg.Publishing.StuckSchedule)
	assert.Equal(t, "videos-encoded", cfg.Storage.EncodedBucket)
	assert.True(t, cfg.Scheduler.DistributedLock)
	assert.Equal(t, []string{"admin"}, cfg.Server.OpsRoles)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCODING_CONCURRENCY", "4")
	t.Setenv("WATCHDOG_STUCK_AFTER", "10m")
	t.Setenv("WATCHDOG_TIMEOUT_AFTER", "20m")
	t.Setenv("SCHEDULER_DISTRIBUTED_LOCK", "false")
	t.Setenv("OPS_ROLES", "admin, ops")
	t.Setenv("ENCODING_DISPATCH_INTERVAL", "not-a-duration")
	t.Setenv("ENCODING_RETRY_BACKOFF", "30s")
	t.Setenv("ENCODING_DISPATCH", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Encoding.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Watchdog.StuckAfter)
	assert.False(t, cfg.Scheduler.DistributedLock)
	assert.Equal(t, 30*time.Second, cfg.Encoding.RetryBackoff)
	assert.False(t, cfg.Encoding.Dispatch)
	assert.Equal(t, []string{"admin", "ops"}, cfg.Server.OpsRoles)
	assert.Equal(t, 2*time.Second, cfg.Encoding.DispatchInterval, "unparsable values fall back to the default")
}

func TestValidate(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Watchdog.TimeoutAfter = bad.Watchdog.StuckAfter
	assert.ErrorContains(t, bad.Validate(), "WATCHDOG_TIMEOUT_AFTER")

	bad = *cfg
	bad.Encoding.RetryBackoff = 0
	assert.ErrorContains(t, bad.Validate(), "ENCODING_RETRY_BACKOFF")

	bad = *cfg
	bad.Encoding.Concurrency = 0
	bad.Encoding.ProviderURL = ""
	err = bad.Validate()
	assert.ErrorContains(t, err, "ENCODING_CONCURRENCY")
	assert.ErrorContains(t, err, "ENCODING_PROVIDER_URL")
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/videos?sslmode=disable",
		DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "videos", SSLMode: "disable"}.DSN())
	assert.Equal(t, "postgres://x", DatabaseConfig{URL: "postgres://x", Host: "ignored"}.DSN())
}
