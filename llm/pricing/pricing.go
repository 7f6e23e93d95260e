// Package pricing holds the declarative per-model pricing table and
// capability hints. The table is read-only after initialization; the
// default resource is embedded and can be replaced from configuration.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var embeddedTables []byte

// Entry is one model's pricing row.
type Entry struct {
	Provider           string   `yaml:"provider" json:"provider"`
	Model              string   `yaml:"model" json:"model"`
	Aliases            []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	InputPerMTok       float64  `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok      float64  `yaml:"output_per_mtok" json:"output_per_mtok"`
	CachedInputPerMTok float64  `yaml:"cached_input_per_mtok,omitempty" json:"cached_input_per_mtok,omitempty"`
	BatchInputPerMTok  float64  `yaml:"batch_input_per_mtok,omitempty" json:"batch_input_per_mtok,omitempty"`
	Capabilities       llm.Capabilities `yaml:"capabilities" json:"capabilities"`
}

type tableFile struct {
	Entries []Entry `yaml:"entries"`
}

// Table is the immutable pricing lookup.
type Table struct {
	entries []Entry
	byKey   map[string]*Entry // provider:name (model id or alias)
}

// Load parses a pricing table from YAML bytes.
func Load(data []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	t := &Table{entries: file.Entries, byKey: make(map[string]*Entry)}
	for i := range t.entries {
		e := &t.entries[i]
		t.byKey[e.Provider+":"+e.Model] = e
		for _, a := range e.Aliases {
			t.byKey[e.Provider+":"+a] = e
		}
	}
	return t, nil
}

// LoadDefault loads the embedded table.
func LoadDefault() (*Table, error) {
	return Load(embeddedTables)
}

// LoadFile loads a table from a configurable resource on disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	return Load(data)
}

// Lookup finds the entry for a provider/model (or alias).
func (t *Table) Lookup(provider, model string) (*Entry, bool) {
	e, ok := t.byKey[provider+":"+model]
	return e, ok
}

// Entries returns all rows for a provider, cheapest first by combined rate.
func (t *Table) Entries(provider string) []Entry {
	out := make([]Entry, 0)
	for _, e := range t.entries {
		if e.Provider == provider {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InputPerMTok+out[i].OutputPerMTok < out[j].InputPerMTok+out[j].OutputPerMTok
	})
	return out
}

// Cost prices actual usage against the entry.
func (e *Entry) Cost(usage types.TokenUsage) float64 {
	cost := float64(usage.InputTokens) / 1e6 * e.InputPerMTok
	cost += float64(usage.OutputTokens) / 1e6 * e.OutputPerMTok
	cachedRate := e.CachedInputPerMTok
	if cachedRate == 0 {
		cachedRate = e.InputPerMTok
	}
	cost += float64(usage.CachedInputTokens) / 1e6 * cachedRate
	return cost
}

// CostEstimate brackets a request's cost before dispatch.
type CostEstimate struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Expected float64 `json:"expected"`
}

// Estimate brackets the cost of a request with the given input token count
// and output cap. Min assumes a near-empty reply, Max the full output cap,
// Expected a typical reply at a quarter of the cap.
func (e *Entry) Estimate(inputTokens, maxOutputTokens int) CostEstimate {
	if maxOutputTokens <= 0 {
		maxOutputTokens = 4096
	}
	inCost := float64(inputTokens) / 1e6 * e.InputPerMTok
	perOut := e.OutputPerMTok / 1e6
	return CostEstimate{
		Min:      inCost + 16*perOut,
		Max:      inCost + float64(maxOutputTokens)*perOut,
		Expected: inCost + float64(maxOutputTokens)/4*perOut,
	}
}

// CheaperAlternative returns the next-cheaper model in the same provider
// family, if any. Used for the budget downgrade step.
func (t *Table) CheaperAlternative(provider, model string) (*Entry, bool) {
	current, ok := t.Lookup(provider, model)
	if !ok {
		return nil, false
	}
	currentRate := current.InputPerMTok + current.OutputPerMTok
	var best *Entry
	var bestRate float64
	for i := range t.entries {
		e := &t.entries[i]
		if e.Provider != provider || e.Model == current.Model {
			continue
		}
		rate := e.InputPerMTok + e.OutputPerMTok
		if rate >= currentRate {
			continue
		}
		// The closest cheaper model, not the absolute cheapest.
		if best == nil || rate > bestRate {
			best = e
			bestRate = rate
		}
	}
	return best, best != nil
}
