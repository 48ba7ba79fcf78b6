package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/relay/internal/metrics"
	"github.com/modelrelay/relay/internal/streaming"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

// DispatchStream routes a streaming request. Failover is possible only
// until the first chunk arrives; once a candidate has produced output
// the response is committed to it and any later failure aborts the
// stream terminally.
func (e *Engine) DispatchStream(ctx context.Context, tenant string, req *types.ChatRequest) (streaming.Stream, *Decision, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.stream",
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
			e.logger.WarnContext(ctx, "candidate has no transport",
				slog.String("candidate", key))
			decision.Attempts = append(decision.Attempts, Attempt{
				Candidate: key, Tier: cand.Tier, Error: lookupErr.Error(),
			})
			continue
		}

		start := e.now()
		stream, openErr := tr.OpenStream(ctx, cand.Model, req)
		if openErr != nil {
			if terminal, termErr := e.recordFailure(ctx, decision, &cand, openErr, e.now().Sub(start)); terminal {
				e.finish(ctx, decision, termErr)
				return nil, decision, termErr
			}
			continue
		}

		// The stream is open but nothing has been received. Pull the first
		// chunk here: a failure before any output still permits failover.
		first, recvErr := stream.Recv()
		latency := e.now().Sub(start)
		metrics.UpstreamLatency.WithLabelValues(key).Observe(latency.Seconds())

		if recvErr != nil && recvErr != io.EOF {
			_ = stream.Close()
			if terminal, termErr := e.recordFailure(ctx, decision, &cand, recvErr, latency); terminal {
				e.finish(ctx, decision, termErr)
				return nil, decision, termErr
			}
			continue
		}

		// First byte (or a clean empty stream): committed.
		e.recordSuccess(ctx, decision, &cand, i, latency)
		e.finish(ctx, decision, nil)
		span.SetAttributes(attribute.String("chosen", key))

		cs := &committedStream{
			inner:     stream,
			candidate: key,
			tenant:    tenant,
			engine:    e,
		}
		if recvErr == io.EOF {
			cs.done = true
			_ = stream.Close()
		} else {
			cs.pending = first
		}
		return cs, decision, nil
	}

	err = e.exhausted(decision, req.Model)
	e.finish(ctx, decision, err)
	return nil, decision, err
}

// committedStream replays the chunk consumed during commitment and then
// delegates. A mid-stream failure is terminal: it is reported against
// the serving candidate and surfaced as an abort, never as a retry.
type committedStream struct {
	inner     streaming.Stream
	candidate string
	tenant    string
	engine    *Engine

	mu      sync.Mutex
	pending *types.StreamChunk
	tokens  int64
	done    bool
}

// Recv implements streaming.Stream.
func (s *committedStream) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		chunk := s.pending
		s.pending = nil
		s.noteUsage(chunk)
		return chunk, nil
	}
	if s.done {
		return nil, io.EOF
	}

	chunk, err := s.inner.Recv()
	if err == io.EOF {
		s.done = true
		s.recordUsage()
		return nil, io.EOF
	}
	if err != nil {
		s.done = true
		s.abort(err)
		return nil, gwerrors.NewMalformedResponse("", s.candidate,
			"stream aborted mid-flight: "+err.Error())
	}
	s.noteUsage(chunk)
	return chunk, nil
}

// noteUsage keeps the latest usage totals a chunk reports. Providers
// send cumulative counts in the final usage chunk.
func (s *committedStream) noteUsage(chunk *types.StreamChunk) {
	if chunk.Usage != nil {
		s.tokens = int64(chunk.Usage.TotalTokens)
	}
}

// recordUsage charges the streamed tokens to the tenant once the stream
// finishes cleanly. Aborted streams report no reliable totals.
func (s *committedStream) recordUsage() {
	if s.tokens <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.engine.recordTokenUsage(ctx, s.tenant, s.tokens)
}

// Close implements streaming.Stream.
func (s *committedStream) Close() error {
	return s.inner.Close()
}

// abort records a committed-stream failure against the serving
// candidate. Success was already recorded at commitment; the failure
// record restores an honest health signal for the truncated response.
func (s *committedStream) abort(err error) {
	metrics.StreamAborts.WithLabelValues(s.candidate).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, healthErr := s.engine.health.RecordFailure(ctx, s.candidate, gwerrors.ClassProviderFault); healthErr != nil {
		s.engine.logger.Warn("health update for stream abort failed",
			slog.String("candidate", s.candidate),
			slog.Any("error", healthErr))
	}
	s.engine.logger.Warn("stream aborted after commitment",
		slog.String("candidate", s.candidate),
		slog.Any("error", err))
}
