package providers

import (
	"time"

	"github.com/greyhelm/lorekeeper/llm"
)

// BaseConfig holds the configuration fields every adapter shares.
type BaseConfig struct {
	// APIKey authenticates API-key providers. OAuth-backed adapters leave
	// it empty and carry a TokenSource instead.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model is the default model when a request names none.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Timeout bounds non-streaming wall clock. Zero means 600s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ConnectTimeout and HeaderTimeout bound connection setup and
	// time-to-first-header. Zero means 10s / 30s.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	HeaderTimeout  time.Duration `json:"header_timeout,omitempty" yaml:"header_timeout,omitempty"`

	// ModelListTTL controls the model enumeration cache. Zero means 10m.
	ModelListTTL time.Duration `json:"model_list_ttl,omitempty" yaml:"model_list_ttl,omitempty"`
}

// Normalize fills zero timeout fields with the gateway defaults.
func (c *BaseConfig) Normalize() {
	if c.Timeout <= 0 {
		c.Timeout = 600 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = 30 * time.Second
	}
}

// RateLimitObserver receives rate-limit state parsed from response headers.
// The gateway wires this to the health tracker.
type RateLimitObserver func(provider string, info llm.RateLimitInfo)

// ModelSpec is one row of an adapter's hard-coded model table: the known
// capability matrix used for alias resolution, context window enforcement,
// and as the fallback when live enumeration fails.
type ModelSpec struct {
	ID               string
	Aliases          []string
	ContextWindow    int
	DefaultMaxOutput int
}

// ModelTable resolves aliases and answers window queries for one adapter.
type ModelTable struct {
	specs  []ModelSpec
	byName map[string]*ModelSpec
}

// NewModelTable builds a table from specs. Both IDs and aliases resolve.
func NewModelTable(specs []ModelSpec) *ModelTable {
	t := &ModelTable{specs: specs, byName: make(map[string]*ModelSpec)}
	for i := range specs {
		s := &t.specs[i]
		t.byName[s.ID] = s
		for _, a := range s.Aliases {
			t.byName[a] = s
		}
	}
	return t
}

// Resolve expands a model alias to the full identifier.
func (t *ModelTable) Resolve(alias string) (string, bool) {
	if s, ok := t.byName[alias]; ok {
		return s.ID, true
	}
	return "", false
}

// Window returns the context window for a model, 0 if unknown.
func (t *ModelTable) Window(model string) int {
	if s, ok := t.byName[model]; ok {
		return s.ContextWindow
	}
	return 0
}

// DefaultMaxOutput returns the default output cap for a model, 0 if unknown.
func (t *ModelTable) DefaultMaxOutput(model string) int {
	if s, ok := t.byName[model]; ok {
		return s.DefaultMaxOutput
	}
	return 0
}

// Fallback returns the table rendered as ModelInfo values, used when live
// enumeration fails.
func (t *ModelTable) Fallback(owner string, caps llm.Capabilities) []llm.ModelInfo {
	out := make([]llm.ModelInfo, 0, len(t.specs))
	for _, s := range t.specs {
		out = append(out, llm.ModelInfo{
			ID:           s.ID,
			Aliases:      s.Aliases,
			OwnedBy:      owner,
			Capabilities: caps,
		})
	}
	return out
}
