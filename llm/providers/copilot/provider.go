// Package copilot implements the GitHub Copilot chat adapter. Copilot
// speaks the OpenAI chat completions dialect but authenticates with a
// short-lived exchanged token and requires editor identity headers matching
// a real editor client.
package copilot

import (
	"net/http"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/providers"
	"github.com/greyhelm/lorekeeper/llm/providers/openaicompat"
	"github.com/greyhelm/lorekeeper/llm/tokenizer"
	"go.uber.org/zap"
)

// Editor identity required by the Copilot API.
const (
	editorVersion       = "vscode/1.96.2"
	editorPluginVersion = "copilot-chat/0.22.4"
	integrationID       = "vscode-chat"
	copilotUserAgent    = "GitHubCopilotChat/0.22.4"
)

// Config configures the Copilot adapter. Tokens always come from the OAuth
// gate; there is no API-key mode.
type Config struct {
	providers.BaseConfig `yaml:",inline"`
}

// Models is the known capability matrix. Copilot fronts a fixed model menu;
// ListModels enumerates the /models endpoint and falls back to this table
// when enumeration fails.
var Models = providers.NewModelTable([]providers.ModelSpec{
	{ID: "gpt-4o", Aliases: []string{"copilot-gpt-4o"}, ContextWindow: 128000, DefaultMaxOutput: 16384},
	{ID: "gpt-4o-mini", ContextWindow: 128000, DefaultMaxOutput: 16384},
	{ID: "o3-mini", ContextWindow: 200000, DefaultMaxOutput: 65536},
	{ID: "claude-3.5-sonnet", ContextWindow: 200000, DefaultMaxOutput: 8192},
})

// Provider is the Copilot adapter.
type Provider struct {
	*openaicompat.Provider
}

// New creates the Copilot adapter over the given token source.
func New(cfg Config, source providers.TokenSource, observer providers.RateLimitObserver, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.githubcopilot.com"
	}
	counter := tokenizer.NewBPECounter(cfg.Model)
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "copilot",
			Base:           cfg.BaseConfig,
			TokenSource:    source,
			DefaultModel:   cfg.Model,
			FallbackModel:  "gpt-4o",
			EndpointPath:   "/chat/completions",
			ModelsEndpoint: "/models",
			Models:         Models,
			Caps: llm.Capabilities{
				Streaming: true,
				Tools:     true,
			},
			Observer: observer,
			BuildHeaders: func(req *http.Request, cred string) {
				req.Header.Set("Authorization", "Bearer "+cred)
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("User-Agent", copilotUserAgent)
				req.Header.Set("Editor-Version", editorVersion)
				req.Header.Set("Editor-Plugin-Version", editorPluginVersion)
				req.Header.Set("Copilot-Integration-Id", integrationID)
			},
			CountTokens: counter.CountRequest,
		}, logger),
	}
}
