// Package healthcheck provides proactive candidate probing. The prober
// periodically sends a minimal completion to every enabled provider
// model and feeds the outcome into the shared health store, so degraded
// candidates are noticed before live traffic hits them and recovered
// ones regain score without waiting for a real request.
package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/transport"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// Config controls the proactive prober behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Prober periodically checks candidate health.
type Prober struct {
	cfg        Config
	registry   *registry.Registry
	transports *transport.Registry
	health     health.Store
	logger     *slog.Logger
	started    atomic.Bool
}

// NewProber creates a prober over the current model catalog.
func NewProber(cfg Config, reg *registry.Registry, transports *transport.Registry, store health.Store, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:        cfg,
		registry:   reg,
		transports: transports,
		health:     store,
		logger:     logger,
	}
}

// Start begins the probe loop until the context is canceled. Calling
// Start more than once, or with probing disabled, is a no-op.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	for _, m := range p.registry.Models() {
		if !m.Enabled {
			continue
		}
		p.probe(ctx, m)
		if ctx.Err() != nil {
			return
		}
	}
}

// probe sends a one-token completion to a candidate and records the
// outcome. Only provider-attributable failures count against health.
func (p *Prober) probe(ctx context.Context, m *registry.ProviderModel) {
	tr, err := p.transports.Lookup(m.Provider)
	if err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req := &types.ChatRequest{
		Model:     m.ModelPath,
		MaxTokens: 1,
		Messages:  []types.Message{{Role: "user", Content: "ping"}},
	}

	start := time.Now()
	_, err = tr.Invoke(probeCtx, m, req)
	if err == nil {
		if _, recErr := p.health.RecordSuccess(ctx, m.Key(), time.Since(start)); recErr != nil {
			p.logger.Warn("probe success not recorded",
				slog.String("candidate", m.Key()),
				slog.Any("error", recErr))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		ge = gwerrors.NewProviderUnavailable(m.Provider, m.ModelPath, err.Error())
	}

	p.logger.Warn("probe failed",
		slog.String("candidate", m.Key()),
		slog.String("class", string(ge.Class)),
		slog.String("error", ge.Message))

	if _, recErr := p.health.RecordFailure(ctx, m.Key(), ge.Class); recErr != nil {
		p.logger.Warn("probe failure not recorded",
			slog.String("candidate", m.Key()),
			slog.Any("error", recErr))
	}
}
