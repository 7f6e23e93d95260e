// Package openai implements the OpenAI chat completions adapter.
package openai

import (
	"net/http"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/providers"
	"github.com/greyhelm/lorekeeper/llm/providers/openaicompat"
	"github.com/greyhelm/lorekeeper/llm/tokenizer"
	"go.uber.org/zap"
)

// Config configures the OpenAI adapter.
type Config struct {
	providers.BaseConfig `yaml:",inline"`
	Organization         string `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// Models is the known capability matrix, also the enumeration fallback.
var Models = providers.NewModelTable([]providers.ModelSpec{
	{ID: "gpt-4o", Aliases: []string{"4o"}, ContextWindow: 128000, DefaultMaxOutput: 16384},
	{ID: "gpt-4o-mini", Aliases: []string{"4o-mini"}, ContextWindow: 128000, DefaultMaxOutput: 16384},
	{ID: "gpt-4-turbo", ContextWindow: 128000, DefaultMaxOutput: 4096},
	{ID: "gpt-3.5-turbo", ContextWindow: 16385, DefaultMaxOutput: 4096},
	{ID: "o3-mini", ContextWindow: 200000, DefaultMaxOutput: 65536},
})

// Provider is the OpenAI adapter.
type Provider struct {
	*openaicompat.Provider
}

// New creates the OpenAI adapter.
func New(cfg Config, observer providers.RateLimitObserver, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	counter := tokenizer.NewBPECounter(cfg.Model)
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "openai",
			Base:          cfg.BaseConfig,
			DefaultModel:  cfg.Model,
			FallbackModel: "gpt-4o",
			Models:        Models,
			Caps: llm.Capabilities{
				Streaming: true,
				Tools:     true,
				Vision:    true,
			},
			Observer: observer,
			BuildHeaders: func(req *http.Request, cred string) {
				req.Header.Set("Authorization", "Bearer "+cred)
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("User-Agent", providers.UserAgent)
				if cfg.Organization != "" {
					req.Header.Set("OpenAI-Organization", cfg.Organization)
				}
			},
			CountTokens: counter.CountRequest,
		}, logger),
	}
}
