package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DATABASE_URL", "DB_HOST", "DB_USER", "DB_NAME", "DB_PASSWORD", "DB_PORT", "DB_SSLMODE",
		"GAME_SERVICE_TOKEN", "ALLOWED_ORIGINS", "LOG_SQL", "ROUND_DURATION", "POLL_INTERVAL", "INVALIDATE_INTERVAL",
		"PRIZE_MODEL_TTL", "SETTLEMENT_RETRY_AFTER", "PROFILE_SERVICE_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	assert.Equal(t, "5200", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RoundDuration)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.InvalidateInterval)
	assert.Equal(t, 5*time.Minute, cfg.PrizeModelTTL)
	assert.Equal(t, 10*time.Minute, cfg.SettlementRetryAfter)
	assert.Equal(t, "http://localhost:3000", cfg.AllowedOrigins)
	assert.False(t, cfg.LogSQL)
	assert.Error(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/contests")
	t.Setenv("GAME_SERVICE_TOKEN", "secret")
	t.Setenv("ROUND_DURATION", "45")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("INVALIDATE_INTERVAL", "500ms")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("LOG_SQL", "true")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 45*time.Second, cfg.RoundDuration)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.InvalidateInterval)
	assert.Equal(t, "https://a.example,https://b.example", cfg.AllowedOrigins)
	assert.True(t, cfg.LogSQL)
}

func TestDatabaseURLFromParts(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_NAME", "contests")

	assert.Equal(t,
		"host=db user=app password= dbname=contests port=5432 sslmode=disable TimeZone=UTC",
		Load().DatabaseURL)
}

func TestBadDurationFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("ROUND_DURATION", "soon")
	assert.Equal(t, 30*time.Second, Load().RoundDuration)
}
