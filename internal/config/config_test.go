package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.False(t, cfg.LLM.FallbackEnabled, "fallback is opt-in")
	assert.Equal(t, 120*time.Second, cfg.Evaluation.LiveQueryTimeout.Std())
	assert.Equal(t, 100, cfg.Tracing.MaxRecent)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerlens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"addr": ":9999"},
		"retrieval": {"top_k": 25, "context_budget": 2000},
		"llm": {"provider": "openai", "state_path": "state.json"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Retrieval.TopK)
	assert.Equal(t, 2000, cfg.Retrieval.ContextBudget)
	assert.Equal(t, "openai", cfg.LLM.Provider)

	// Relative state paths resolve next to the config file.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state.json"), cfg.LLM.StatePath)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LEDGERLENS_ADDR", ":7777")
	t.Setenv("LEDGERLENS_LLM_PROVIDER", "openai")
	t.Setenv("LEDGERLENS_TOP_K", "3")
	t.Setenv("LEDGERLENS_LLM_FALLBACK", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.True(t, cfg.LLM.FallbackEnabled)
}

func TestLoadDurationFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerlens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"shutdown_timeout": "30s"},
		"insights": {"ttl": "12h"},
		"evaluation": {"live_query_timeout": 5000000000}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, 12*time.Hour, cfg.Insights.TTL.Std())

	// Bare numbers keep the nanosecond convention.
	assert.Equal(t, 5*time.Second, cfg.Evaluation.LiveQueryTimeout.Std())

	// Untouched durations keep their defaults.
	assert.Equal(t, Default().LLM.RequestTimeout, cfg.LLM.RequestTimeout)
}

func TestLoadBadDurationString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-duration.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"shutdown_timeout": "soon"}}`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
