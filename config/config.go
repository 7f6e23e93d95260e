// Package config loads the gateway configuration document: provider
// settings, routing defaults, budget limits, and timeouts. Values come
// from a YAML file with environment-variable overrides for credentials
// (<PROVIDER>_API_KEY, COPILOT_GITHUB_TOKEN) and logging (LLM_GATEWAY_LOG).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig configures one backend.
type ProviderConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	APIKey   string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	// AuthType selects "api_key" (default) or "oauth".
	AuthType string `yaml:"auth_type,omitempty" json:"auth_type,omitempty"`

	RequestsPerMinute int `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	TokensPerMinute   int `yaml:"tokens_per_minute,omitempty" json:"tokens_per_minute,omitempty"`
}

// RoutingConfig mirrors the router strategy in declarative form.
type RoutingConfig struct {
	Strategy string   `yaml:"strategy" json:"strategy"`
	Priority []string `yaml:"priority,omitempty" json:"priority,omitempty"`
	LBMode   string   `yaml:"lb_mode,omitempty" json:"lb_mode,omitempty"`

	Weights         map[string]float64  `yaml:"weights,omitempty" json:"weights,omitempty"`
	TaskPreferences map[string][]string `yaml:"task_preferences,omitempty" json:"task_preferences,omitempty"`

	CompositeCost        float64 `yaml:"composite_cost,omitempty" json:"composite_cost,omitempty"`
	CompositeLatency     float64 `yaml:"composite_latency,omitempty" json:"composite_latency,omitempty"`
	CompositeQuality     float64 `yaml:"composite_quality,omitempty" json:"composite_quality,omitempty"`
	CompositeReliability float64 `yaml:"composite_reliability,omitempty" json:"composite_reliability,omitempty"`

	MaxFailoverAttempts int `yaml:"max_failover_attempts,omitempty" json:"max_failover_attempts,omitempty"`
}

// DegradationConfig enables the cascade steps.
type DegradationConfig struct {
	EnableContextReduction bool   `yaml:"enable_context_reduction" json:"enable_context_reduction"`
	EnableEmergencyFloor   bool   `yaml:"enable_emergency_floor" json:"enable_emergency_floor"`
	FloorProvider          string `yaml:"floor_provider,omitempty" json:"floor_provider,omitempty"`
}

// Timeouts are the gateway-wide deadlines, all configurable.
type Timeouts struct {
	Connect       time.Duration `yaml:"connect" json:"connect"`
	Headers       time.Duration `yaml:"headers" json:"headers"`
	StreamStall   time.Duration `yaml:"stream_stall" json:"stream_stall"`
	NonStreaming  time.Duration `yaml:"non_streaming" json:"non_streaming"`
}

// Config is the whole gateway configuration document.
type Config struct {
	LogLevel    string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	TokenDir    string `yaml:"token_dir,omitempty" json:"token_dir,omitempty"`
	// TokenStore selects "file" (default), "memory", or "keychain".
	TokenStore  string `yaml:"token_store,omitempty" json:"token_store,omitempty"`
	BudgetPath  string `yaml:"budget_path,omitempty" json:"budget_path,omitempty"`
	LedgerPath  string `yaml:"ledger_path,omitempty" json:"ledger_path,omitempty"`
	PricingPath string `yaml:"pricing_path,omitempty" json:"pricing_path,omitempty"`

	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`

	Routing     RoutingConfig      `yaml:"routing" json:"routing"`
	Degradation DegradationConfig  `yaml:"degradation" json:"degradation"`
	Timeouts    Timeouts           `yaml:"timeouts" json:"timeouts"`

	// BudgetLimits maps scope name → USD amount.
	BudgetLimits map[string]float64 `yaml:"budget_limits,omitempty" json:"budget_limits,omitempty"`
}

// KnownProviders is the closed adapter set.
var KnownProviders = []string{"anthropic", "openai", "gemini", "copilot", "ollama"}

// Default returns the baseline configuration.
func Default() *Config {
	dir := defaultConfigDir()
	return &Config{
		LogLevel:   "info",
		TokenStore: "file",
		TokenDir:   filepath.Join(dir, "tokens"),
		BudgetPath: filepath.Join(dir, "budget.json"),
		LedgerPath: filepath.Join(dir, "ledger.db"),
		Providers:  make(map[string]ProviderConfig),
		Routing:    RoutingConfig{Strategy: "load_balanced", LBMode: "least_in_flight"},
		Timeouts: Timeouts{
			Connect:      10 * time.Second,
			Headers:      30 * time.Second,
			StreamStall:  60 * time.Second,
			NonStreaming: 600 * time.Second,
		},
	}
}

func defaultConfigDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "lorekeeper")
	}
	return ".lorekeeper"
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. A missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_GATEWAY_LOG"); v != "" {
		c.LogLevel = v
	}
	for _, name := range KnownProviders {
		envKey := strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			pc := c.Providers[name]
			pc.APIKey = v
			if !pc.Enabled {
				pc.Enabled = true
			}
			c.Providers[name] = pc
		}
	}
	// COPILOT_GITHUB_TOKEN seeds the github credential; the gateway stores
	// it on startup so the copilot exchange can run without a device flow.
}

// GithubTokenFromEnv returns the seed GitHub token, if any.
func GithubTokenFromEnv() string {
	return os.Getenv("COPILOT_GITHUB_TOKEN")
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(KnownProviders))
	for _, name := range KnownProviders {
		known[name] = true
	}
	for name, pc := range c.Providers {
		if !known[name] {
			return fmt.Errorf("unknown provider %q", name)
		}
		if pc.AuthType != "" && pc.AuthType != "api_key" && pc.AuthType != "oauth" {
			return fmt.Errorf("provider %s: invalid auth_type %q", name, pc.AuthType)
		}
	}
	switch c.TokenStore {
	case "", "file", "memory", "keychain":
	default:
		return fmt.Errorf("invalid token_store %q", c.TokenStore)
	}
	for scope := range c.BudgetLimits {
		switch scope {
		case "session", "daily", "monthly", "total":
		default:
			return fmt.Errorf("unknown budget scope %q", scope)
		}
	}
	return nil
}
