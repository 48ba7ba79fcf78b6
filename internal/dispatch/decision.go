package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelrelay/relay/internal/quota"
	"github.com/modelrelay/relay/internal/resolver"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
)

// Attempt records one provider invocation within a dispatch.
type Attempt struct {
	Candidate string         `json:"candidate"`
	Tier      int            `json:"tier"`
	Latency   time.Duration  `json:"latency"`
	Class     gwerrors.Class `json:"class,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Decision is the audit record of one routing decision: what was asked,
// what the candidate order was, what was tried, and how it ended. It
// contains everything needed to reconstruct why a given provider served
// (or failed) a request.
type Decision struct {
	RequestID  string             `json:"request_id"`
	Tenant     string             `json:"tenant,omitempty"`
	Model      string             `json:"model"`
	Stream     bool               `json:"stream,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
	Candidates []string           `json:"candidates"`
	Skipped    []resolver.Skipped `json:"skipped,omitempty"`
	Quota      *quota.Decision    `json:"quota,omitempty"`
	Attempts   []Attempt          `json:"attempts,omitempty"`

	// Chosen is the candidate that served the request; empty on failure.
	Chosen string `json:"chosen,omitempty"`

	// Reason summarizes the outcome: "first_choice", "failover",
	// "quota_denied", "no_candidates", "caller_fault", "exhausted",
	// "canceled".
	Reason string `json:"reason"`
}

// Sink receives completed routing decisions. Implementations must not
// block the dispatch path.
type Sink interface {
	Record(ctx context.Context, d *Decision)
}

// LogSink writes decisions to structured logs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a decision sink backed by the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, d *Decision) {
	attrs := []any{
		slog.String("request_id", d.RequestID),
		slog.String("model", d.Model),
		slog.String("reason", d.Reason),
		slog.Int("candidates", len(d.Candidates)),
		slog.Int("attempts", len(d.Attempts)),
	}
	if d.Tenant != "" {
		attrs = append(attrs, slog.String("tenant", d.Tenant))
	}
	if d.Chosen != "" {
		attrs = append(attrs, slog.String("chosen", d.Chosen))
	}
	if len(d.Skipped) > 0 {
		attrs = append(attrs, slog.Int("skipped", len(d.Skipped)))
	}
	s.logger.InfoContext(ctx, "routing decision", attrs...)
}
