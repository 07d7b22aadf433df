package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SAVE_DEBOUNCE", "")
	t.Setenv("VERSION_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.SaveDebounce)
	assert.Equal(t, 10*time.Minute, cfg.VersionInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.SeedGrace)
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("SAVE_DEBOUNCE", "750ms")
	t.Setenv("SEED_GRACE", "250")
	t.Setenv("VERSION_INTERVAL", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.SaveDebounce)
	assert.Equal(t, 250*time.Millisecond, cfg.SeedGrace)
	assert.Equal(t, 2*time.Minute, cfg.VersionInterval)
}

func TestLoadRejectsZeroDebounce(t *testing.T) {
	t.Setenv("SAVE_DEBOUNCE", "0s")

	_, err := Load()
	require.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: "5433", DBUser: "u", DBPassword: "p", DBName: "plume", DBSSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=plume sslmode=disable", cfg.DatabaseURL())
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
}

func TestTraceSampleRatio(t *testing.T) {
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.TraceSampleRatio, 1e-9)
}
