package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmon/internal/stats"
)

// baseEnv points ENV_FILE at a missing file and selects the memory store.
func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ARCHIVE_BUCKET", "")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.10, cfg.BalanceThreshold)
	assert.Equal(t, 60.0, cfg.ExpectedIntervalSeconds)
	assert.Equal(t, 10.0, cfg.TimingToleranceSeconds)
	assert.Equal(t, time.Hour, cfg.ActiveWindow)
	assert.Equal(t, 5*time.Minute, cfg.BalanceCheckInterval)
	assert.Equal(t, cfg.BalanceCheckInterval, cfg.AnomalyCheckInterval)
	assert.Equal(t, stats.PolicyAccept, cfg.IntervalPolicy)
	assert.Equal(t, 10, cfg.IntervalHistory)
	assert.Equal(t, byte(1), cfg.MQTTQoS)
	assert.Equal(t, "application/#", cfg.MQTTTopic)
	assert.Equal(t, int64(65536), cfg.MaxBodySize)
	assert.False(t, cfg.ArchiveEnabled())
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, "syncmon-"+cfg.InstanceID, cfg.MQTTClientID)
}

func TestLoad_Overrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("BALANCE_THRESHOLD", "0.2")
	t.Setenv("BALANCE_CHECK_INTERVAL_SECONDS", "60")
	t.Setenv("ANOMALY_CHECK_INTERVAL_SECONDS", "30")
	t.Setenv("INTERVAL_POLICY", "clamp")
	t.Setenv("EXPECTED_INTERVAL_OVERRIDES", "dev-a=300, dev-b=30")
	t.Setenv("MQTT_HOST", "broker")
	t.Setenv("MQTT_PORT", "8883")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.2, cfg.BalanceThreshold)
	assert.Equal(t, time.Minute, cfg.BalanceCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.AnomalyCheckInterval)
	assert.Equal(t, stats.PolicyClamp, cfg.IntervalPolicy)
	assert.Equal(t, map[string]float64{"dev-a": 300, "dev-b": 30}, cfg.ExpectedIntervalOverrides)
	assert.Equal(t, "tcp://broker:8883", cfg.MQTTBroker())
}

func TestLoad_MQTTDisabledByEmptyHost(t *testing.T) {
	baseEnv(t)
	t.Setenv("MQTT_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.MQTTEnabled())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad int", env: map[string]string{"CHANNEL_SIZE": "lots"}},
		{name: "bad float", env: map[string]string{"BALANCE_THRESHOLD": "ten"}},
		{name: "threshold out of range", env: map[string]string{"BALANCE_THRESHOLD": "1.5"}},
		{name: "bad qos", env: map[string]string{"MQTT_QOS": "3"}},
		{name: "bad policy", env: map[string]string{"INTERVAL_POLICY": "ignore"}},
		{name: "bad overrides", env: map[string]string{"EXPECTED_INTERVAL_OVERRIDES": "dev-a"}},
		{name: "postgres without dsn", env: map[string]string{"STORE_DRIVER": "postgres", "DATABASE_URL": ""}},
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "sqlite"}},
		{name: "archive without retries", env: map[string]string{"ARCHIVE_BUCKET": "b", "S3_APP_RETRIES": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	baseEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SERVICE_NAME=syncmon-test\nSYNCMON_TEST_ONLY=1\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	// godotenv sets variables process-wide; restore them after the test.
	t.Setenv("SERVICE_NAME", "")
	require.NoError(t, os.Unsetenv("SERVICE_NAME"))
	t.Setenv("SYNCMON_TEST_ONLY", "")
	require.NoError(t, os.Unsetenv("SYNCMON_TEST_ONLY"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "syncmon-test", cfg.ServiceName)
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseOverrides("a=1.5,,b=2")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 1.5, "b": 2}, got)

	_, err = ParseOverrides("a=-1")
	require.Error(t, err)
	_, err = ParseOverrides("=5")
	require.Error(t, err)
}
