package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "8081")
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "@every 1m", cfg.ReminderSchedule)
	assert.Equal(t, 15*time.Minute, cfg.ReminderLead())
	assert.Equal(t, 200*time.Millisecond, cfg.OutboxPoll)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
	assert.Equal(t, time.UTC, cfg.Location())
	assert.True(t, cfg.IsDev())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("REMINDER_LEAD_MINUTES", "30")
	t.Setenv("TIMEZONE", "Europe/Berlin")
	t.Setenv("API_KEYS", "k1:mobile,k2")

	cfg, err := Load("", "8081")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
	assert.Equal(t, 30*time.Minute, cfg.ReminderLead())
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())

	keys, err := cfg.APIKeyMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "mobile", "k2": "k2"}, keys)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.env")
	require.NoError(t, os.WriteFile(path, []byte("REMINDER_WORKERS=3\nLEDGER_PATH=/var/lib/medsched\n"), 0o600))

	cfg, err := Load(path, "8082")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ReminderWorkers)
	assert.Equal(t, "/var/lib/medsched", cfg.LedgerPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("REMINDER_SCHEDULE", "every minute")
	_, err := Load("", "8081")
	assert.ErrorContains(t, err, "REMINDER_SCHEDULE")

	t.Setenv("REMINDER_SCHEDULE", "*/5 * * * *")
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err = Load("", "8081")
	assert.ErrorContains(t, err, "TIMEZONE")
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{LogLevel: "debug", Env: "test"}
	l, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	cfg.LogLevel = "nonsense"
	l, err = cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))
}
