package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "file", cfg.TokenStore)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.StreamStall)
	assert.Equal(t, 600*time.Second, cfg.Timeouts.NonStreaming)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
providers:
  anthropic:
    enabled: true
    auth_type: oauth
  ollama:
    enabled: true
    base_url: http://localhost:11434
routing:
  strategy: priority_list
  priority: [anthropic, ollama]
budget_limits:
  daily: 2.50
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Providers["anthropic"].Enabled)
	assert.Equal(t, "oauth", cfg.Providers["anthropic"].AuthType)
	assert.Equal(t, "priority_list", cfg.Routing.Strategy)
	assert.Equal(t, []string{"anthropic", "ollama"}, cfg.Routing.Priority)
	assert.Equal(t, 2.50, cfg.BudgetLimits["daily"])
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "load_balanced", cfg.Routing.Strategy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env-key")
	t.Setenv("LLM_GATEWAY_LOG", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "sk-env-key", cfg.Providers["openai"].APIKey)
	assert.True(t, cfg.Providers["openai"].Enabled, "an env key enables the provider")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Providers["grok"] = ProviderConfig{Enabled: true}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Providers["openai"] = ProviderConfig{AuthType: "magic"}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.TokenStore = "floppy"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BudgetLimits = map[string]float64{"weekly": 1}
	assert.Error(t, cfg.Validate())
}
