// Package dispatch implements the routing core: admission, candidate
// resolution, and the ordered failover loop that invokes providers until
// one succeeds or the request terminates. Every dispatch produces a
// Decision audit record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/metrics"
	"github.com/modelrelay/relay/internal/quota"
	"github.com/modelrelay/relay/internal/resolver"
	"github.com/modelrelay/relay/internal/transport"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

// Config wires the engine's collaborators. Admitter and Sink are
// optional; a nil Admitter admits everything and a nil Sink logs.
type Config struct {
	Resolver   *resolver.Resolver
	Health     health.Store
	Admitter   quota.Admitter
	Transports *transport.Registry
	Sink       Sink
	Logger     *slog.Logger
}

// Engine executes routing decisions.
type Engine struct {
	resolver   *resolver.Resolver
	health     health.Store
	admitter   quota.Admitter
	transports *transport.Registry
	sink       Sink
	logger     *slog.Logger
	tracer     trace.Tracer

	now func() time.Time
}

// New creates a dispatch engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Engine{
		resolver:   cfg.Resolver,
		health:     cfg.Health,
		admitter:   cfg.Admitter,
		transports: cfg.Transports,
		sink:       sink,
		logger:     logger,
		tracer:     otel.Tracer("relay/dispatch"),
		now:        time.Now,
	}
}

// Dispatch routes a non-streaming request. The returned Decision is
// populated on every path, including failures.
func (e *Engine) Dispatch(ctx context.Context, tenant string, req *types.ChatRequest) (*types.ChatResponse, *Decision, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("model", req.Model),
			attribute.String("tenant", tenant),
		))
	defer span.End()

	decision, res, err := e.prepare(ctx, tenant, req)
	if err != nil {
		e.finish(ctx, decision, err)
		return nil, decision, err
	}

	for i, cand := range res.Candidates {
		key := cand.Key()
		if e.recheckCooldown(ctx, decision, &cand) {
			continue
		}

		tr, lookupErr := e.transports.Lookup(cand.Model.Provider)
		if lookupErr != nil {
			// Configuration gap, not a provider failure: no health penalty.
			e.logger.WarnContext(ctx, "candidate has no transport",
				slog.String("candidate", key))
			decision.Attempts = append(decision.Attempts, Attempt{
				Candidate: key, Tier: cand.Tier, Error: lookupErr.Error(),
			})
			continue
		}

		start := e.now()
		resp, invokeErr := tr.Invoke(ctx, cand.Model, req)
		latency := e.now().Sub(start)
		metrics.UpstreamLatency.WithLabelValues(key).Observe(latency.Seconds())

		if invokeErr == nil {
			e.recordSuccess(ctx, decision, &cand, i, latency)
			if resp.Usage != nil {
				e.recordTokenUsage(ctx, tenant, int64(resp.Usage.TotalTokens))
			}
			e.finish(ctx, decision, nil)
			span.SetAttributes(attribute.String("chosen", key))
			return resp, decision, nil
		}

		if terminal, termErr := e.recordFailure(ctx, decision, &cand, invokeErr, latency); terminal {
			e.finish(ctx, decision, termErr)
			return nil, decision, termErr
		}
	}

	err = e.exhausted(decision, req.Model)
	e.finish(ctx, decision, err)
	return nil, decision, err
}

// prepare runs admission and resolution and seeds the decision record.
// A non-nil error is terminal for the request.
func (e *Engine) prepare(ctx context.Context, tenant string, req *types.ChatRequest) (*Decision, *resolver.Resolution, error) {
	decision := &Decision{
		RequestID: uuid.NewString(),
		Tenant:    tenant,
		Model:     req.Model,
		Stream:    req.Stream,
	}

	if e.admitter != nil {
		qd, err := e.admit(ctx, tenant)
		if err != nil {
			// Quota store trouble fails open: availability beats strict
			// accounting for admission.
			e.logger.ErrorContext(ctx, "quota check failed, admitting",
				slog.String("tenant", tenant),
				slog.Any("error", err))
		} else {
			decision.Quota = qd
			metrics.QuotaVerdicts.WithLabelValues(tenant, qd.Verdict.String()).Inc()
			if !qd.Allowed() {
				decision.Reason = "quota_denied"
				return decision, nil, gwerrors.NewQuotaExceeded(tenant, req.Model,
					fmt.Sprintf("admission verdict %s", qd.Verdict))
			}
		}
	}

	res, err := e.resolver.Resolve(ctx, req.Model, tenant, req.RequiredCapabilities())
	if err != nil {
		decision.Reason = "resolution_failed"
		return decision, nil, err
	}

	decision.ResolvedAt = res.ResolvedAt
	decision.Skipped = res.Skipped
	for _, c := range res.Candidates {
		decision.Candidates = append(decision.Candidates, c.Key())
	}

	if res.Empty() {
		if onlyCapabilitySkips(res.Skipped) {
			decision.Reason = "caller_fault"
			caps := req.RequiredCapabilities()
			capName := "requested capabilities"
			if len(caps) > 0 {
				capName = string(caps[len(caps)-1])
			}
			return decision, nil, gwerrors.NewUnsupportedCapability(req.Model, capName)
		}
		decision.Reason = "no_candidates"
		return decision, nil, gwerrors.NewNoProvidersAvailable(req.Model, summarize(nil, res.Skipped))
	}
	return decision, res, nil
}

// admit evaluates both admission metrics. The request counter is
// incremented up front; token budgets gate with a zero increment because
// actual consumption is only known after the response and recorded then.
func (e *Engine) admit(ctx context.Context, tenant string) (*quota.Decision, error) {
	qd, err := e.admitter.Check(ctx, tenant, quota.MetricRequests, 1)
	if err != nil {
		return nil, err
	}
	td, err := e.admitter.Check(ctx, tenant, quota.MetricTokens, 0)
	if err != nil {
		return nil, err
	}
	qd.Results = append(qd.Results, td.Results...)
	if td.Verdict > qd.Verdict {
		qd.Verdict = td.Verdict
	}
	qd.AtLimitWarning = qd.AtLimitWarning || td.AtLimitWarning
	return qd, nil
}

// recordTokenUsage counts consumed tokens against the tenant's token
// windows. Usage accounting never fails a request that already
// succeeded.
func (e *Engine) recordTokenUsage(ctx context.Context, tenant string, tokens int64) {
	if e.admitter == nil || tokens <= 0 {
		return
	}
	if err := e.admitter.Record(ctx, tenant, quota.MetricTokens, tokens); err != nil {
		e.logger.WarnContext(ctx, "token usage not recorded",
			slog.String("tenant", tenant),
			slog.Any("error", err))
	}
}

// recheckCooldown guards against a candidate entering cooldown between
// resolution and invocation. Skips are recorded on the decision.
func (e *Engine) recheckCooldown(ctx context.Context, decision *Decision, cand *resolver.Candidate) bool {
	rec, err := e.health.Health(ctx, cand.Key())
	if err != nil || !rec.InCooldown(e.now()) {
		return false
	}
	decision.Skipped = append(decision.Skipped, resolver.Skipped{
		Key:           cand.Key(),
		Tier:          cand.Tier,
		Reason:        resolver.SkipCooldown,
		CooldownUntil: rec.CooldownUntil,
	})
	return true
}

func (e *Engine) recordSuccess(ctx context.Context, decision *Decision, cand *resolver.Candidate, ordinal int, latency time.Duration) {
	key := cand.Key()
	rec, err := e.health.RecordSuccess(ctx, key, latency)
	if err != nil {
		e.logger.WarnContext(ctx, "health success update failed",
			slog.String("candidate", key),
			slog.Any("error", err))
	} else {
		metrics.CandidateHealthScore.WithLabelValues(key).Set(rec.Score)
	}

	metrics.DispatchAttempts.WithLabelValues(key, "success").Inc()
	decision.Attempts = append(decision.Attempts, Attempt{
		Candidate: key, Tier: cand.Tier, Latency: latency,
	})
	decision.Chosen = key
	if ordinal == 0 {
		decision.Reason = "first_choice"
	} else {
		decision.Reason = "failover"
		metrics.Failovers.WithLabelValues(decision.Model).Inc()
	}
}

// recordFailure classifies an attempt failure, updates health, and
// reports whether the failure terminates the whole request.
func (e *Engine) recordFailure(ctx context.Context, decision *Decision, cand *resolver.Candidate, err error, latency time.Duration) (bool, error) {
	key := cand.Key()

	// Caller cancellation is not a provider failure.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		decision.Attempts = append(decision.Attempts, Attempt{
			Candidate: key, Tier: cand.Tier, Latency: latency, Error: "request canceled",
		})
		decision.Reason = "canceled"
		return true, ctxErr
	}

	ge := asGatewayError(err, cand.Model.Provider, cand.Model.ModelPath)
	decision.Attempts = append(decision.Attempts, Attempt{
		Candidate: key, Tier: cand.Tier, Latency: latency,
		Class: ge.Class, Error: ge.Message,
	})
	metrics.DispatchAttempts.WithLabelValues(key, string(ge.Class)).Inc()

	if ge.PenalizesHealth() {
		rec, healthErr := e.health.RecordFailure(ctx, key, ge.Class)
		if healthErr != nil {
			e.logger.WarnContext(ctx, "health failure update failed",
				slog.String("candidate", key),
				slog.Any("error", healthErr))
		} else {
			metrics.CandidateHealthScore.WithLabelValues(key).Set(rec.Score)
			if rec.InCooldown(e.now()) && rec.ConsecutiveFailures == 0 {
				metrics.CooldownEntries.WithLabelValues(key).Inc()
			}
		}
	}

	if ge.Class == gwerrors.ClassCallerFault {
		decision.Reason = "caller_fault"
		return true, ge
	}

	e.logger.WarnContext(ctx, "candidate failed, advancing",
		slog.String("candidate", key),
		slog.String("class", string(ge.Class)),
		slog.String("error", ge.Message))
	return false, nil
}

func (e *Engine) exhausted(decision *Decision, model string) error {
	metrics.RequestsExhausted.WithLabelValues(model).Inc()
	if len(decision.Attempts) == 0 {
		decision.Reason = "no_candidates"
		return gwerrors.NewNoProvidersAvailable(model, summarize(decision.Attempts, decision.Skipped))
	}
	decision.Reason = "exhausted"
	return gwerrors.NewUpstreamRoutingFailure(model, summarize(decision.Attempts, decision.Skipped))
}

// finish records the decision with the sink exactly once per dispatch.
func (e *Engine) finish(ctx context.Context, decision *Decision, _ error) {
	e.sink.Record(ctx, decision)
}

// summarize renders the attempt and skip trail for terminal error
// messages, so an exhaustion error names every candidate and why it was
// unusable.
func summarize(attempts []Attempt, skipped []resolver.Skipped) string {
	var parts []string
	for _, a := range attempts {
		if a.Error == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", a.Candidate, a.Error))
	}
	for _, s := range skipped {
		parts = append(parts, fmt.Sprintf("%s: skipped (%s)", s.Key, s.Reason))
	}
	if len(parts) == 0 {
		return "no candidates resolved"
	}
	return strings.Join(parts, "; ")
}

func onlyCapabilitySkips(skipped []resolver.Skipped) bool {
	if len(skipped) == 0 {
		return false
	}
	for _, s := range skipped {
		if s.Reason != resolver.SkipMissingCapability {
			return false
		}
	}
	return true
}

func asGatewayError(err error, provider, model string) *gwerrors.GatewayError {
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return gwerrors.NewProviderUnavailable(provider, model, err.Error())
}
