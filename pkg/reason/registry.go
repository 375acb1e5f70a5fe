package reason

import (
	"fmt"
	"sync"
)

// Model tiers accepted from clients.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierPowerful = "powerful"
)

// ModelSpec binds a tier to a concrete model on a concrete provider.
type ModelSpec struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	SupportsThinking bool   `json:"supportsThinking"`
	MaxTokens        int    `json:"maxTokens"`
	ThinkingBudget   int    `json:"thinkingBudget"`
}

// Catalog maps model tiers to model specs.
type Catalog map[string]ModelSpec

// DefaultCatalog returns the built-in tier table.
func DefaultCatalog() Catalog {
	return Catalog{
		TierFast: {
			Provider:  "anthropic",
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 4096,
		},
		TierBalanced: {
			Provider:         "anthropic",
			Model:            "claude-sonnet-4-5",
			SupportsThinking: true,
			MaxTokens:        8192,
			ThinkingBudget:   4096,
		},
		TierPowerful: {
			Provider:         "anthropic",
			Model:            "claude-opus-4-1",
			SupportsThinking: true,
			MaxTokens:        8192,
			ThinkingBudget:   8192,
		},
	}
}

// Params are the effective reasoning parameters for one session: the resolved
// model plus token budgets after reconciling model capability with the
// session's thinking preference.
type Params struct {
	Model          string
	MaxTokens      int
	ThinkingBudget int // 0 when thinking is disabled or unsupported
}

// Registry holds constructed providers and resolves tiers against a catalog.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	catalog   Catalog
}

// NewRegistry creates a registry over the given catalog. A nil catalog uses
// the defaults.
func NewRegistry(catalog Catalog) *Registry {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Registry{
		providers: make(map[string]Provider),
		catalog:   catalog,
	}
}

// Register adds a provider under its own name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve maps a model tier and thinking preference to a provider and
// effective parameters. Thinking is enabled only when the model supports it
// and the caller asked for it.
func (r *Registry) Resolve(tier string, useThinking bool) (Provider, Params, error) {
	spec, ok := r.catalog[tier]
	if !ok {
		return nil, Params{}, fmt.Errorf("unknown model tier: %q", tier)
	}

	r.mu.RLock()
	provider, ok := r.providers[spec.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, Params{}, fmt.Errorf("no provider registered for %q", spec.Provider)
	}

	params := Params{
		Model:     spec.Model,
		MaxTokens: spec.MaxTokens,
	}
	if useThinking && spec.SupportsThinking {
		params.ThinkingBudget = spec.ThinkingBudget
	}
	return provider, params, nil
}
