// Package resolver turns a requested model name into an ordered list of
// dispatch candidates. It layers live health state on top of the static
// registry view: tier order is preserved, and within a tier candidates
// are ranked by health score, then observed latency, then cost.
package resolver

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/pkg/types"
)

// SkipReason explains why a candidate was excluded from the dispatch
// order.
type SkipReason string

const (
	SkipCooldown          SkipReason = "cooldown"
	SkipMissingCapability SkipReason = "missing_capability"
)

// Candidate is one dispatchable provider model with its health snapshot
// at resolution time.
type Candidate struct {
	Model  *registry.ProviderModel
	Tier   int
	Health *health.Record
}

// Key returns the candidate key used by the health and decision stores.
func (c *Candidate) Key() string {
	return c.Model.Key()
}

// Skipped records a candidate excluded during resolution, kept for the
// audit trail on routing decisions and exhaustion errors.
type Skipped struct {
	Key    string     `json:"key"`
	Tier   int        `json:"tier"`
	Reason SkipReason `json:"reason"`

	// CooldownUntil is set for cooldown skips.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Resolution is the ordered dispatch plan for one request.
type Resolution struct {
	Model      string
	Tenant     string
	Alias      bool
	ResolvedAt time.Time
	Candidates []Candidate
	Skipped    []Skipped
}

// Empty reports whether no candidate survived resolution.
func (r *Resolution) Empty() bool {
	return len(r.Candidates) == 0
}

// Resolver builds resolutions from the registry and the health store.
type Resolver struct {
	registry *registry.Registry
	health   health.Store
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a resolver.
func New(reg *registry.Registry, store health.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: reg,
		health:   store,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve expands the requested name for the tenant and ranks the
// surviving candidates. Candidates missing a required capability or in
// cooldown are moved to the skipped list instead of the dispatch order.
// An unknown name yields an empty resolution, not an error; the caller
// decides how to surface exhaustion.
func (r *Resolver) Resolve(ctx context.Context, model, tenantID string, required types.Capabilities) (*Resolution, error) {
	now := r.now()
	view := r.registry.Expand(model, tenantID)

	res := &Resolution{
		Model:      model,
		Tenant:     tenantID,
		Alias:      view.Alias,
		ResolvedAt: now,
	}

	for tierIdx, tier := range view.Tiers {
		var ranked []Candidate
		for _, m := range tier {
			if !m.Capabilities.Satisfies(required) {
				res.Skipped = append(res.Skipped, Skipped{
					Key:    m.Key(),
					Tier:   tierIdx,
					Reason: SkipMissingCapability,
				})
				continue
			}

			rec, err := r.health.Health(ctx, m.Key())
			if err != nil {
				// Health store trouble must not take routing down; treat
				// the candidate as never observed.
				r.logger.Warn("health lookup failed, assuming healthy",
					slog.String("candidate", m.Key()),
					slog.Any("error", err))
				rec = &health.Record{Score: 1}
			}

			if rec.InCooldown(now) {
				res.Skipped = append(res.Skipped, Skipped{
					Key:           m.Key(),
					Tier:          tierIdx,
					Reason:        SkipCooldown,
					CooldownUntil: rec.CooldownUntil,
				})
				continue
			}

			ranked = append(ranked, Candidate{Model: m, Tier: tierIdx, Health: rec})
		}

		rankTier(ranked)
		res.Candidates = append(res.Candidates, ranked...)
	}

	return res, nil
}

// rankTier orders candidates within one tier: healthier first, then
// faster, then cheaper, with a stable key tie-break so equal candidates
// resolve identically on every instance.
func rankTier(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Health.Score != b.Health.Score {
			return a.Health.Score > b.Health.Score
		}
		if a.Health.AvgLatency != b.Health.AvgLatency {
			return a.Health.AvgLatency < b.Health.AvgLatency
		}
		if a.Model.InputCostPerToken != b.Model.InputCostPerToken {
			return a.Model.InputCostPerToken < b.Model.InputCostPerToken
		}
		if a.Model.Provider != b.Model.Provider {
			return a.Model.Provider < b.Model.Provider
		}
		return a.Model.ModelPath < b.Model.ModelPath
	})
}
