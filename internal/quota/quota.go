// Package quota implements per-tenant usage admission control. A request
// is evaluated against every configured window for its tenant and metric;
// the most restrictive verdict wins. Counting is atomic in the shared
// store so concurrent requests can never race past a limit.
package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Metric is a countable usage dimension.
type Metric string

const (
	MetricRequests Metric = "requests"
	MetricTokens   Metric = "tokens"
)

// WindowType distinguishes boundary-reset windows from trailing ones.
type WindowType string

const (
	WindowFixed   WindowType = "fixed"
	WindowSliding WindowType = "sliding"
)

// Verdict is the admission outcome. Values are ordered by severity so
// merging picks the most restrictive: Block > Throttle > CreditCharge >
// Allow.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictCreditCharge
	VerdictThrottle
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictCreditCharge:
		return "credit_charge"
	case VerdictThrottle:
		return "throttle"
	case VerdictBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseVerdict maps a configuration string onto a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "allow":
		return VerdictAllow, nil
	case "credit_charge":
		return VerdictCreditCharge, nil
	case "throttle":
		return VerdictThrottle, nil
	case "block":
		return VerdictBlock, nil
	default:
		return VerdictAllow, fmt.Errorf("unknown quota verdict %q", s)
	}
}

// Policy decides behavior at and beyond the limit boundary.
type Policy struct {
	// AtLimit applies when usage lands exactly on 100%. Allow here means
	// allow-with-warning; the decision carries the warning flag.
	AtLimit Verdict `yaml:"at_limit"`

	// OverLimit applies above 100%. CreditCharge admits the request and
	// charges the overage against the tenant's credit balance instead of
	// rejecting.
	OverLimit Verdict `yaml:"over_limit"`
}

// DefaultPolicy allows at the boundary (with warning) and blocks beyond.
func DefaultPolicy() Policy {
	return Policy{AtLimit: VerdictAllow, OverLimit: VerdictBlock}
}

// Window is one configured limit: a metric counted over a window of a
// given type and size.
type Window struct {
	Metric    Metric        `yaml:"metric"`
	Type      WindowType    `yaml:"type"`
	Size      time.Duration `yaml:"size"`
	Limit     int64         `yaml:"limit"`
	Unlimited bool          `yaml:"unlimited"`
	Policy    Policy        `yaml:"policy"`
}

// WindowResult is the admission outcome for a single window.
type WindowResult struct {
	Window    Window  `json:"window"`
	Verdict   Verdict `json:"verdict"`
	Count     int64   `json:"count"`
	Remaining int64   `json:"remaining"`
}

// Decision is the merged admission outcome across all windows.
type Decision struct {
	Verdict Verdict        `json:"verdict"`
	Results []WindowResult `json:"results"`

	// AtLimitWarning is set when any window admitted the request exactly
	// at 100% usage under an allow-with-warning policy.
	AtLimitWarning bool `json:"at_limit_warning,omitempty"`
}

// Allowed reports whether the request may proceed (possibly charged).
func (d *Decision) Allowed() bool {
	return d.Verdict == VerdictAllow || d.Verdict == VerdictCreditCharge
}

// Admitter is the admission-control contract the dispatch engine
// consumes. Check gates a request before dispatch; Record counts usage
// that is only known afterwards, such as the tokens a response consumed.
type Admitter interface {
	Check(ctx context.Context, tenant string, metric Metric, amount int64) (*Decision, error)
	Record(ctx context.Context, tenant string, metric Metric, amount int64) error
}

// Store holds the shared usage counters. The increment is the admission
// read: implementations return the post-increment count atomically.
type Store interface {
	// IncrFixed increments the counter of the fixed window containing
	// now and returns the new count. The counter's TTL is aligned to the
	// window size.
	IncrFixed(ctx context.Context, tenant string, metric Metric, size time.Duration, amount int64) (int64, error)

	// IncrSliding increments the trailing-window count and returns the
	// total over the last size duration.
	IncrSliding(ctx context.Context, tenant string, metric Metric, size time.Duration, amount int64) (int64, error)
}

// WindowSource supplies the configured windows for a tenant, typically
// backed by configuration.
type WindowSource func(tenant string) []Window

// Controller evaluates admission across all configured windows.
type Controller struct {
	store   Store
	windows atomic.Pointer[WindowSource]
}

// NewController creates an admission controller.
func NewController(store Store, windows WindowSource) *Controller {
	c := &Controller{store: store}
	c.ReplaceWindows(windows)
	return c
}

// ReplaceWindows swaps the window configuration, typically on a config
// reload. In-flight checks finish against the old windows; counters are
// keyed by window shape in the store, so reshaped windows start fresh.
func (c *Controller) ReplaceWindows(windows WindowSource) {
	if windows == nil {
		windows = func(string) []Window { return nil }
	}
	c.windows.Store(&windows)
}

func (c *Controller) tenantWindows(tenant string) []Window {
	return (*c.windows.Load())(tenant)
}

// Check implements Admitter. Windows for other metrics are ignored; a
// tenant with no configured windows for the metric is admitted.
func (c *Controller) Check(ctx context.Context, tenant string, metric Metric, amount int64) (*Decision, error) {
	decision := &Decision{Verdict: VerdictAllow}

	for _, w := range c.tenantWindows(tenant) {
		if w.Metric != metric {
			continue
		}

		res, err := c.checkWindow(ctx, tenant, w, amount)
		if err != nil {
			return nil, err
		}
		decision.Results = append(decision.Results, res)

		if res.Verdict > decision.Verdict {
			decision.Verdict = res.Verdict
		}
		if res.Verdict == VerdictAllow && res.Remaining == 0 && !w.Unlimited {
			decision.AtLimitWarning = true
		}
	}

	return decision, nil
}

// Record implements Admitter. It adds after-the-fact usage to every
// counting window of the metric without gating; the next Check for the
// tenant observes the new counts.
func (c *Controller) Record(ctx context.Context, tenant string, metric Metric, amount int64) error {
	if amount <= 0 {
		return nil
	}
	for _, w := range c.tenantWindows(tenant) {
		if w.Metric != metric || w.Unlimited || w.Limit <= 0 {
			continue
		}
		var err error
		switch w.Type {
		case WindowSliding:
			_, err = c.store.IncrSliding(ctx, tenant, w.Metric, w.Size, amount)
		default:
			_, err = c.store.IncrFixed(ctx, tenant, w.Metric, w.Size, amount)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) checkWindow(ctx context.Context, tenant string, w Window, amount int64) (WindowResult, error) {
	res := WindowResult{Window: w}

	if w.Unlimited {
		// Unlimited bypasses counting entirely.
		res.Verdict = VerdictAllow
		res.Remaining = -1
		return res, nil
	}
	if w.Limit <= 0 {
		// Zero quota always blocks, no counting needed.
		res.Verdict = VerdictBlock
		return res, nil
	}

	var (
		count int64
		err   error
	)
	switch w.Type {
	case WindowSliding:
		count, err = c.store.IncrSliding(ctx, tenant, w.Metric, w.Size, amount)
	default:
		count, err = c.store.IncrFixed(ctx, tenant, w.Metric, w.Size, amount)
	}
	if err != nil {
		return res, err
	}

	res.Count = count
	if rem := w.Limit - count; rem > 0 {
		res.Remaining = rem
	}

	policy := w.Policy
	if policy.AtLimit == VerdictAllow && policy.OverLimit == VerdictAllow {
		// Zero-valued policy means unconfigured; fall back to defaults.
		policy = DefaultPolicy()
	}

	switch {
	case count < w.Limit:
		res.Verdict = VerdictAllow
	case count == w.Limit:
		res.Verdict = policy.AtLimit
	default:
		res.Verdict = policy.OverLimit
	}
	return res, nil
}
