// Package config provides configuration management with hot-reload
// support. It uses fsnotify to watch for file changes and atomic pointer
// swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/observability"
	"github.com/modelrelay/relay/internal/quota"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/pkg/types"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig                  `yaml:"server"`
	Redis     RedisConfig                   `yaml:"redis"`
	Providers []ProviderConfig              `yaml:"providers"`
	Models    []ModelConfig                 `yaml:"models"`
	Canonical []CanonicalConfig             `yaml:"canonical_models"`
	Aliases   []AliasConfig                 `yaml:"aliases"`
	Tenants   []TenantConfig                `yaml:"tenants"`
	Quotas    []QuotaWindowConfig           `yaml:"quotas"` // defaults for tenants without overrides
	Health    HealthConfig                  `yaml:"health"`
	Retry     RetryConfig                   `yaml:"retry"`
	Logging   LoggingConfig                 `yaml:"logging"`
	Metrics   MetricsConfig                 `yaml:"metrics"`
	Tracing   observability.TracingConfig   `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig contains the shared-state store settings. An empty Addr
// selects the in-memory stores (single-instance mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig defines one upstream provider endpoint.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ModelConfig defines one provider model deployment.
type ModelConfig struct {
	Provider           string   `yaml:"provider"`
	Model              string   `yaml:"model"`
	Capabilities       []string `yaml:"capabilities"`
	InputCostPerToken  float64  `yaml:"input_cost_per_token"`
	OutputCostPerToken float64  `yaml:"output_cost_per_token"`
	Enabled            *bool    `yaml:"enabled"` // nil = enabled
}

// ModelRefConfig points at a provider model from an alias or canonical
// model.
type ModelRefConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// CanonicalConfig maps a logical model name to provider deployments.
type CanonicalConfig struct {
	Name   string           `yaml:"name"`
	Models []ModelRefConfig `yaml:"models"`
}

// AliasConfig defines an alias with ordered fallback tiers.
type AliasConfig struct {
	Name  string             `yaml:"name"`
	Tiers [][]ModelRefConfig `yaml:"tiers"`
}

// TenantConfig scopes providers, models, aliases, and quotas per tenant.
type TenantConfig struct {
	ID               string              `yaml:"id"`
	AllowedProviders []string            `yaml:"allowed_providers"`
	BlockedModels    []string            `yaml:"blocked_models"`
	Aliases          []AliasConfig       `yaml:"aliases"`
	Quotas           []QuotaWindowConfig `yaml:"quotas"`
}

// QuotaWindowConfig defines one admission window.
type QuotaWindowConfig struct {
	Metric    string        `yaml:"metric"` // requests, tokens
	Type      string        `yaml:"type"`   // fixed, sliding
	Size      time.Duration `yaml:"size"`
	Limit     int64         `yaml:"limit"`
	Unlimited bool          `yaml:"unlimited"`
	AtLimit   string        `yaml:"at_limit"`   // allow, throttle
	OverLimit string        `yaml:"over_limit"` // block, throttle, credit_charge
}

// HealthConfig tunes candidate health scoring, cooldown, and active
// probing.
type HealthConfig struct {
	Alpha             float64       `yaml:"alpha"`
	CooldownThreshold int           `yaml:"cooldown_threshold"`
	CooldownBase      time.Duration `yaml:"cooldown_base"`
	CooldownMax       time.Duration `yaml:"cooldown_max"`
	RecordTTL         time.Duration `yaml:"record_ttl"`
	ProbeEnabled      bool          `yaml:"probe_enabled"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
}

// RetryConfig tunes in-place transient retries per provider call.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			Backoff:    200 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider[%d] %q: base_url is required", i, p.Name)
		}
		if providers[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		providers[p.Name] = true
	}

	models := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Provider == "" || m.Model == "" {
			return fmt.Errorf("models[%d]: provider and model are required", i)
		}
		if !providers[m.Provider] {
			return fmt.Errorf("models[%d]: unknown provider %q", i, m.Provider)
		}
		models[m.Provider+"/"+m.Model] = true
	}

	checkRefs := func(where string, refs []ModelRefConfig) error {
		for _, r := range refs {
			if !models[r.Provider+"/"+r.Model] {
				return fmt.Errorf("%s references unknown model %s/%s", where, r.Provider, r.Model)
			}
		}
		return nil
	}
	for _, cm := range c.Canonical {
		if err := checkRefs(fmt.Sprintf("canonical model %q", cm.Name), cm.Models); err != nil {
			return err
		}
	}
	for _, a := range c.Aliases {
		for _, tier := range a.Tiers {
			if err := checkRefs(fmt.Sprintf("alias %q", a.Name), tier); err != nil {
				return err
			}
		}
	}

	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant with empty id")
		}
		for _, q := range append(append([]QuotaWindowConfig{}, c.Quotas...), t.Quotas...) {
			if _, err := parseVerdicts(q); err != nil {
				return fmt.Errorf("tenant %q: %w", t.ID, err)
			}
		}
	}
	return nil
}

// RegistrySnapshot converts the model catalog sections into a registry
// snapshot for atomic replacement on (re)load.
func (c *Config) RegistrySnapshot() registry.Snapshot {
	var snap registry.Snapshot

	for _, m := range c.Models {
		caps := make(types.Capabilities, 0, len(m.Capabilities))
		for _, s := range m.Capabilities {
			caps = append(caps, types.Capability(s))
		}
		enabled := m.Enabled == nil || *m.Enabled
		snap.ProviderModels = append(snap.ProviderModels, registry.ProviderModel{
			Provider:           m.Provider,
			ModelPath:          m.Model,
			Capabilities:       caps,
			InputCostPerToken:  m.InputCostPerToken,
			OutputCostPerToken: m.OutputCostPerToken,
			Enabled:            enabled,
		})
	}

	for _, cm := range c.Canonical {
		snap.Canonical = append(snap.Canonical, registry.CanonicalModel{
			Name:   cm.Name,
			Models: toRefs(cm.Models),
		})
	}

	for _, a := range c.Aliases {
		snap.Aliases = append(snap.Aliases, toAlias(a))
	}

	for _, t := range c.Tenants {
		policy := registry.TenantPolicy{
			ID:               t.ID,
			AllowedProviders: t.AllowedProviders,
			BlockedModels:    t.BlockedModels,
		}
		if len(t.Aliases) > 0 {
			policy.Aliases = make(map[string]registry.Alias, len(t.Aliases))
			for _, a := range t.Aliases {
				policy.Aliases[a.Name] = toAlias(a)
			}
		}
		snap.Tenants = append(snap.Tenants, policy)
	}
	return snap
}

// QuotaWindows builds the per-tenant window source: tenant-specific
// windows when configured, otherwise the global defaults.
func (c *Config) QuotaWindows() quota.WindowSource {
	defaults := toWindows(c.Quotas)
	perTenant := make(map[string][]quota.Window, len(c.Tenants))
	for _, t := range c.Tenants {
		if len(t.Quotas) > 0 {
			perTenant[t.ID] = toWindows(t.Quotas)
		}
	}
	return func(tenant string) []quota.Window {
		if w, ok := perTenant[tenant]; ok {
			return w
		}
		return defaults
	}
}

// HealthConfig converts the health section.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		Alpha:             c.Health.Alpha,
		CooldownThreshold: c.Health.CooldownThreshold,
		CooldownBase:      c.Health.CooldownBase,
		CooldownMax:       c.Health.CooldownMax,
		RecordTTL:         c.Health.RecordTTL,
	}
}

func toRefs(refs []ModelRefConfig) []registry.ModelRef {
	out := make([]registry.ModelRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, registry.ModelRef{Provider: r.Provider, ModelPath: r.Model})
	}
	return out
}

func toAlias(a AliasConfig) registry.Alias {
	alias := registry.Alias{Name: a.Name}
	for _, tier := range a.Tiers {
		alias.Tiers = append(alias.Tiers, registry.Tier(toRefs(tier)))
	}
	return alias
}

func toWindows(cfgs []QuotaWindowConfig) []quota.Window {
	out := make([]quota.Window, 0, len(cfgs))
	for _, q := range cfgs {
		w, err := parseVerdicts(q)
		if err != nil {
			// Validate catches this at load time.
			continue
		}
		out = append(out, w)
	}
	return out
}

func parseVerdicts(q QuotaWindowConfig) (quota.Window, error) {
	w := quota.Window{
		Metric:    quota.Metric(q.Metric),
		Type:      quota.WindowType(q.Type),
		Size:      q.Size,
		Limit:     q.Limit,
		Unlimited: q.Unlimited,
	}
	policy := quota.DefaultPolicy()
	if q.AtLimit != "" {
		v, err := quota.ParseVerdict(q.AtLimit)
		if err != nil {
			return w, err
		}
		policy.AtLimit = v
	}
	if q.OverLimit != "" {
		v, err := quota.ParseVerdict(q.OverLimit)
		if err != nil {
			return w, err
		}
		policy.OverLimit = v
	}
	w.Policy = policy
	return w, nil
}
