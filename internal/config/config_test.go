package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.DB.ConnMaxLifetime)
	assert.Equal(t, SourceBackendRedis, cfg.Source.Backend)
	assert.Equal(t, []string{"ethereum"}, cfg.Chains)
	assert.Equal(t, int64(64), cfg.Pipeline.FinalityDepth)
	assert.Equal(t, 5, cfg.Pipeline.RetryMaxAttempts)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("DB_URL", "postgres://u:p@db:5432/x?sslmode=disable")
	t.Setenv("CHAINS", "ethereum, polygon ,base")
	t.Setenv("FINALITY_DEPTH", "12")
	t.Setenv("SOURCE_BACKEND", "nats")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("CACHE_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/x?sslmode=disable", cfg.DB.URL)
	assert.Equal(t, []string{"ethereum", "polygon", "base"}, cfg.Chains)
	assert.Equal(t, int64(12), cfg.Pipeline.FinalityDepth)
	assert.Equal(t, SourceBackendNATS, cfg.Source.Backend)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoad_UnknownSourceBackend(t *testing.T) {
	t.Setenv("SOURCE_BACKEND", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_BACKEND")
}

func TestLoad_EmptyChains(t *testing.T) {
	t.Setenv("CHAINS", " , ")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAINS")
}

func TestLoad_NegativeFinalityDepth(t *testing.T) {
	t.Setenv("FINALITY_DEPTH", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FINALITY_DEPTH")
}

func TestLoad_MalformedIntFallsBack(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
}
