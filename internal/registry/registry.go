// Package registry holds the model catalog: provider models, canonical
// model names, alias routing tiers, and per-tenant enablement. It is the
// static input to candidate resolution; live health and quota state are
// layered on top by the resolver.
package registry

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/modelrelay/relay/pkg/types"
)

// ModelRef identifies a provider model inside an alias or canonical model.
type ModelRef struct {
	Provider  string `yaml:"provider" json:"provider"`
	ModelPath string `yaml:"model" json:"model"`
}

// Key returns the candidate key used by the health store.
func (r ModelRef) Key() string {
	return r.Provider + "/" + r.ModelPath
}

// ProviderModel is a concrete provider-specific model deployment.
type ProviderModel struct {
	Provider           string             `yaml:"provider" json:"provider"`
	ModelPath          string             `yaml:"model" json:"model"`
	Capabilities       types.Capabilities `yaml:"capabilities" json:"capabilities"`
	InputCostPerToken  float64            `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64            `yaml:"output_cost_per_token" json:"output_cost_per_token"`
	Enabled            bool               `yaml:"enabled" json:"enabled"`
}

// Ref returns the ModelRef for this provider model.
func (m *ProviderModel) Ref() ModelRef {
	return ModelRef{Provider: m.Provider, ModelPath: m.ModelPath}
}

// Key returns the candidate key used by the health store.
func (m *ProviderModel) Key() string {
	return m.Ref().Key()
}

// CanonicalModel maps a logical model name onto provider models. Zero
// refs is valid; resolution then reports no candidates.
type CanonicalModel struct {
	Name   string     `yaml:"name" json:"name"`
	Models []ModelRef `yaml:"models" json:"models"`
}

// Tier is one priority bucket of an alias. Order within a tier is
// unspecified here; the resolver ranks it by live health.
type Tier []ModelRef

// Alias is an ordered grouping of model refs into fallback tiers.
// Tier 0 is most preferred.
type Alias struct {
	Name  string `yaml:"name" json:"name"`
	Tiers []Tier `yaml:"tiers" json:"tiers"`
}

// TenantPolicy scopes which providers and models a tenant may use and
// carries tenant-defined aliases.
type TenantPolicy struct {
	ID               string           `yaml:"id" json:"id"`
	AllowedProviders []string         `yaml:"allowed_providers" json:"allowed_providers"` // empty = all
	BlockedModels    []string         `yaml:"blocked_models" json:"blocked_models"`       // candidate keys
	Aliases          map[string]Alias `yaml:"aliases" json:"aliases"`
}

// allowsProvider reports whether the tenant may use the given provider.
func (t *TenantPolicy) allowsProvider(provider string) bool {
	if t == nil || len(t.AllowedProviders) == 0 {
		return true
	}
	for _, p := range t.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// blocksModel reports whether the tenant has blocked the candidate key.
func (t *TenantPolicy) blocksModel(key string) bool {
	if t == nil {
		return false
	}
	for _, b := range t.BlockedModels {
		if b == key {
			return true
		}
	}
	return false
}

const (
	tenantViewTTL     = 30 * time.Second
	tenantViewCleanup = 5 * time.Minute
)

// Registry is the concurrency-safe model catalog. Reads vastly outnumber
// writes (writes happen on config reload), so expanded per-tenant views
// are cached with a short TTL.
type Registry struct {
	mu             sync.RWMutex
	providerModels map[string]*ProviderModel
	canonical      map[string]*CanonicalModel
	aliases        map[string]*Alias
	tenants        map[string]*TenantPolicy

	views *gocache.Cache
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providerModels: make(map[string]*ProviderModel),
		canonical:      make(map[string]*CanonicalModel),
		aliases:        make(map[string]*Alias),
		tenants:        make(map[string]*TenantPolicy),
		views:          gocache.New(tenantViewTTL, tenantViewCleanup),
	}
}

// Snapshot is the immutable input replacing the registry contents on a
// config (re)load.
type Snapshot struct {
	ProviderModels []ProviderModel
	Canonical      []CanonicalModel
	Aliases        []Alias
	Tenants        []TenantPolicy
}

// Replace swaps the entire catalog atomically and drops cached views.
func (r *Registry) Replace(s Snapshot) {
	providerModels := make(map[string]*ProviderModel, len(s.ProviderModels))
	for i := range s.ProviderModels {
		m := s.ProviderModels[i]
		providerModels[m.Key()] = &m
	}
	canonical := make(map[string]*CanonicalModel, len(s.Canonical))
	for i := range s.Canonical {
		c := s.Canonical[i]
		canonical[c.Name] = &c
	}
	aliases := make(map[string]*Alias, len(s.Aliases))
	for i := range s.Aliases {
		a := s.Aliases[i]
		aliases[a.Name] = &a
	}
	tenants := make(map[string]*TenantPolicy, len(s.Tenants))
	for i := range s.Tenants {
		t := s.Tenants[i]
		tenants[t.ID] = &t
	}

	r.mu.Lock()
	r.providerModels = providerModels
	r.canonical = canonical
	r.aliases = aliases
	r.tenants = tenants
	r.mu.Unlock()

	r.views.Flush()
}

// ProviderModel returns the provider model for a ref, if registered.
func (r *Registry) ProviderModel(ref ModelRef) (*ProviderModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.providerModels[ref.Key()]
	return m, ok
}

// Models returns every registered provider model.
func (r *Registry) Models() []*ProviderModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProviderModel, 0, len(r.providerModels))
	for _, m := range r.providerModels {
		out = append(out, m)
	}
	return out
}

// Tenant returns the policy for a tenant id; nil means no restrictions.
func (r *Registry) Tenant(id string) *TenantPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[id]
}

// TieredView is the expanded, tenant-filtered set of provider models for
// one logical name, grouped into tiers in priority order.
type TieredView struct {
	Name  string
	Alias bool
	Tiers [][]*ProviderModel
}

// Expand resolves a canonical model or alias name into its tenant-scoped
// tiered view. Disabled models, providers the tenant may not use, and
// tenant-blocked candidate keys are filtered out. An unknown name or a
// fully filtered view yields empty tiers, not an error.
func (r *Registry) Expand(name, tenantID string) *TieredView {
	cacheKey := tenantID + "\x00" + name
	if v, ok := r.views.Get(cacheKey); ok {
		return v.(*TieredView)
	}

	r.mu.RLock()
	tenant := r.tenants[tenantID]

	var (
		tiers   []Tier
		isAlias bool
	)
	if tenant != nil {
		if a, ok := tenant.Aliases[name]; ok {
			tiers, isAlias = a.Tiers, true
		}
	}
	if tiers == nil {
		if a, ok := r.aliases[name]; ok {
			tiers, isAlias = a.Tiers, true
		} else if c, ok := r.canonical[name]; ok {
			tiers = []Tier{c.Models}
		}
	}

	view := &TieredView{Name: name, Alias: isAlias}
	for _, tier := range tiers {
		var models []*ProviderModel
		for _, ref := range tier {
			m, ok := r.providerModels[ref.Key()]
			if !ok || !m.Enabled {
				continue
			}
			if !tenant.allowsProvider(m.Provider) || tenant.blocksModel(m.Key()) {
				continue
			}
			models = append(models, m)
		}
		if len(models) > 0 {
			view.Tiers = append(view.Tiers, models)
		}
	}
	r.mu.RUnlock()

	r.views.Set(cacheKey, view, gocache.DefaultExpiration)
	return view
}
