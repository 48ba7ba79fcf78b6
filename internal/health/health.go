// Package health tracks per-candidate liveness as a decaying score with
// cooldown semantics. State is shared across gateway instances through a
// Redis-backed store; an in-memory store covers single-instance runs and
// tests. Cooldown expiry is read-time: nothing actively evicts records.
package health

import (
	"context"
	"time"

	gwerrors "github.com/modelrelay/relay/pkg/errors"
)

// Record is the health state of one candidate (provider/model pair).
type Record struct {
	Score               float64       `json:"score"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CooldownBreaches    int           `json:"cooldown_breaches"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         time.Time     `json:"last_failure"`
	CooldownUntil       time.Time     `json:"cooldown_until"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalFailures       int64         `json:"total_failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
}

// InCooldown reports whether the candidate is cooling down at the given
// instant.
func (r *Record) InCooldown(now time.Time) bool {
	return r != nil && now.Before(r.CooldownUntil)
}

// SuccessRate returns the rolling success fraction, or 1 when the
// candidate has never been observed.
func (r *Record) SuccessRate() float64 {
	total := r.TotalSuccesses + r.TotalFailures
	if total == 0 {
		return 1
	}
	return float64(r.TotalSuccesses) / float64(total)
}

// Store records candidate outcomes and serves health snapshots.
// Implementations must make each record update atomic: concurrent
// writers for the same key must not lose updates, and the cooldown
// threshold must fire exactly once per breach.
type Store interface {
	// RecordSuccess moves the score toward 1, resets the consecutive
	// failure counter, and clears breach escalation.
	RecordSuccess(ctx context.Context, key string, latency time.Duration) (*Record, error)

	// RecordFailure moves the score toward 0 and may enter cooldown.
	// Only provider-attributable classes mutate state; other classes
	// return the current record untouched.
	RecordFailure(ctx context.Context, key string, class gwerrors.Class) (*Record, error)

	// Health returns the record for a key. A never-observed key yields a
	// fresh record with score 1 and no cooldown.
	Health(ctx context.Context, key string) (*Record, error)
}

// Config tunes scoring and cooldown behavior.
type Config struct {
	// Alpha is the EMA weight applied to each observation.
	Alpha float64

	// CooldownThreshold is the consecutive-failure count that triggers a
	// cooldown.
	CooldownThreshold int

	// CooldownBase is the duration of the first cooldown. Each further
	// breach doubles it, capped at CooldownMax.
	CooldownBase time.Duration

	// CooldownMax caps the escalated cooldown duration.
	CooldownMax time.Duration

	// RecordTTL is the refresh TTL on shared-store records, so entries
	// for providers removed from configuration eventually expire.
	RecordTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.1,
		CooldownThreshold: 3,
		CooldownBase:      30 * time.Second,
		CooldownMax:       10 * time.Minute,
		RecordTTL:         24 * time.Hour,
	}
}

// withDefaults fills zero fields so partially specified configs behave.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.CooldownThreshold <= 0 {
		c.CooldownThreshold = d.CooldownThreshold
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = d.CooldownBase
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = d.CooldownMax
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = d.RecordTTL
	}
	return c
}

// cooldownDuration returns the escalated duration for the given breach
// ordinal (1-based): base, 2*base, 4*base, ... capped at CooldownMax.
func (c Config) cooldownDuration(breach int) time.Duration {
	if breach < 1 {
		breach = 1
	}
	d := c.CooldownBase
	for i := 1; i < breach; i++ {
		d *= 2
		if d >= c.CooldownMax {
			return c.CooldownMax
		}
	}
	if d > c.CooldownMax {
		return c.CooldownMax
	}
	return d
}
