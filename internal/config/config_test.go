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
	for _, k := range []string{"LLM_PROVIDER", "LLM_MAX_RETRIES", "CACHE_ENABLED", "CACHE_TTL", "AGENT_HEADLESS", "RESOLVER_ATTEMPTS"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "auto", cfg.LLM.Provider)
	assert.Equal(t, 0, cfg.LLM.MaxRetries)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL)
	assert.True(t, cfg.Agent.Headless)
	assert.Equal(t, 2, cfg.Resolver.Attempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("LLM_RATE_PER_SEC", "2.5")
	t.Setenv("CACHE_ENABLED", "off")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("CACHE_SIMILARITY", "0.9")
	t.Setenv("AGENT_FLOW_TIMEOUT", "90s")
	t.Setenv("AGENT_CONCURRENCY", "4")

	cfg := Load()
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 2.5, cfg.LLM.RatePerSec)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 0.9, cfg.Cache.Similarity)
	assert.Equal(t, 90*time.Second, cfg.Agent.FlowTimeout)
	assert.Equal(t, 4, cfg.Agent.Concurrency)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_MAX_SIZE", "lots")
	t.Setenv("CACHE_TTL", "a week")
	t.Setenv("AGENT_HEADLESS", "maybe")
	cfg := Load()
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL)
	assert.True(t, cfg.Agent.Headless)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("NLFLOW_DOTENV_PROBE=from-file\nNLFLOW_DOTENV_SET=from-file\n"), 0o600))
	t.Setenv("NLFLOW_DOTENV_SET", "from-env")
	t.Cleanup(func() { os.Unsetenv("NLFLOW_DOTENV_PROBE") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("NLFLOW_DOTENV_PROBE"))
	assert.Equal(t, "from-env", os.Getenv("NLFLOW_DOTENV_SET"), "existing variables win")

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
