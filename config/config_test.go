package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FACE_MATCH_THRESHOLD", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.Face.Threshold)
	assert.Equal(t, 2, cfg.Server.StaleSessionHours)
	assert.Equal(t, 3*time.Minute, cfg.Server.FrequencyTTL)
	assert.Equal(t, 5, cfg.Client.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Client.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Client.FetchTimeout)
	assert.Equal(t, "postgres://localhost:5432/attendance?sslmode=disable", cfg.Database.DSN())
	assert.False(t, cfg.Database.InMemory())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("FACE_MATCH_THRESHOLD", "0.75")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://a , ,http://b")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Database.InMemory())
	assert.Equal(t, 0.75, cfg.Face.Threshold)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.Origins())
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("FACE_MATCH_THRESHOLD", "1.5")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("FACE_MATCH_THRESHOLD", "high")
	_, err = Load()
	assert.ErrorContains(t, err, "FACE_MATCH_THRESHOLD")
}
