package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "data/mailpool.db", cfg.DatabasePath)
	assert.Equal(t, 12, cfg.RefreshMaxWorkers)
	assert.Equal(t, 80, cfg.RefreshBatchSize)
	assert.Equal(t, 5, cfg.RefreshDelaySeconds)
	assert.Equal(t, 3, cfg.RefreshBackoffRetries)
	assert.Equal(t, 10*time.Second, cfg.RefreshBackoffMax)
	assert.Equal(t, 6*time.Hour, cfg.RefreshResumeTTL)
	assert.Equal(t, 180*24*time.Hour, cfg.RefreshLogRetention)
	assert.True(t, cfg.EnableScheduler)
	assert.False(t, cfg.UseCronSchedule)
	assert.Equal(t, "0 2 * * *", cfg.ScheduleCron)
	assert.Equal(t, 120*time.Second, cfg.SchedulerLockTTL)
	assert.Equal(t, []string{"https://graph.microsoft.com/.default"}, cfg.TokenScopes)
}

func TestLoadRequiresSecretKey(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SECRET_KEY", "k")
	t.Setenv("TOKEN_SCOPES", "offline_access https://outlook.office.com/IMAP.AccessAsUser.All")
	t.Setenv("USE_CRON_SCHEDULE", "true")
	t.Setenv("REFRESH_INTERVAL_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.TokenScopes, 2)
	assert.True(t, cfg.UseCronSchedule)
	assert.Equal(t, 7, cfg.RefreshIntervalDays)
}

func TestValidate(t *testing.T) {
	t.Setenv("SECRET_KEY", "k")
	t.Setenv("SCHEDULER_LOCK_HEARTBEAT", "5m")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_LOCK_HEARTBEAT")

	t.Setenv("SCHEDULER_LOCK_HEARTBEAT", "60s")
	t.Setenv("LOG_FORMAT", "xml")
	t.Setenv("REFRESH_INTERVAL_DAYS", "0")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_FORMAT")
	assert.Contains(t, err.Error(), "REFRESH_INTERVAL_DAYS")
}
