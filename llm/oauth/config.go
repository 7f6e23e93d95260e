// Package oauth implements the gateway's OAuth gate: PKCE redirect flows
// (Claude, Gemini), the GitHub device-code flow with the second
// GitHub→Copilot token exchange, and the refresh discipline every adapter
// relies on before an outbound call.
package oauth

import "time"

// Endpoints describes one provider's OAuth configuration.
type Endpoints struct {
	Provider     string
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	RedirectURI  string
	Scopes       []string

	// Device-code flow endpoints (GitHub only).
	DeviceCodeURL string

	// ExchangeURL is the second-step endpoint that trades a GitHub access
	// token for a Copilot token. The endpoint is undocumented; it is
	// referenced only here and in exchangeCopilotToken so it can be swapped
	// without touching the flow.
	ExchangeURL string
}

// Built-in provider configurations. ClientID values are the public desktop
// client identifiers; PKCE flows carry no client secret.
var (
	ClaudeEndpoints = Endpoints{
		Provider:     "anthropic",
		AuthorizeURL: "https://claude.ai/oauth/authorize",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
		ClientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		RedirectURI:  "http://localhost:54545/callback",
		Scopes:       []string{"org:create_api_key", "user:profile", "user:inference"},
	}

	GeminiEndpoints = Endpoints{
		Provider:     "gemini",
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		RedirectURI:  "http://localhost:54545/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform", "https://www.googleapis.com/auth/generative-language"},
	}

	CopilotEndpoints = Endpoints{
		Provider:      "copilot",
		ClientID:      "Iv1.b507a08c87ecfe98",
		DeviceCodeURL: "https://github.com/login/device/code",
		TokenURL:      "https://github.com/login/oauth/access_token",
		Scopes:        []string{"read:user"},
		ExchangeURL:   "https://api.github.com/copilot_internal/v2/token",
	}
)

// EndpointsFor returns the built-in configuration for a provider.
func EndpointsFor(provider string) (Endpoints, bool) {
	switch provider {
	case "anthropic", "claude":
		return ClaudeEndpoints, true
	case "gemini":
		return GeminiEndpoints, true
	case "copilot":
		return CopilotEndpoints, true
	default:
		return Endpoints{}, false
	}
}

// Flow timing defaults.
const (
	defaultDeviceInterval = 5 * time.Second
	slowDownStep          = 5 * time.Second
	refreshTimeout        = 30 * time.Second
)
