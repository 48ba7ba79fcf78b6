package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/quota"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/resolver"
	"github.com/modelrelay/relay/internal/streaming"
	"github.com/modelrelay/relay/internal/transport"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

// fakeTransport scripts per-candidate behavior for the dispatch loop.
type fakeTransport struct {
	name    string
	calls   atomic.Int32
	invoke  func() (*types.ChatResponse, error)
	streams func() (streaming.Stream, error)
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Invoke(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (*types.ChatResponse, error) {
	f.calls.Add(1)
	if f.invoke == nil {
		return &types.ChatResponse{ID: "resp-" + f.name, Provider: f.name}, nil
	}
	return f.invoke()
}

func (f *fakeTransport) OpenStream(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (streaming.Stream, error) {
	f.calls.Add(1)
	if f.streams == nil {
		return &fakeStream{}, nil
	}
	return f.streams()
}

// fakeStream yields scripted chunks, then finalErr or EOF.
type fakeStream struct {
	mu       sync.Mutex
	chunks   []*types.StreamChunk
	finalErr error
	closed   bool
}

func (s *fakeStream) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// captureSink retains recorded decisions.
type captureSink struct {
	mu        sync.Mutex
	decisions []*Decision
}

func (c *captureSink) Record(_ context.Context, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, d)
}

func (c *captureSink) last(t *testing.T) *Decision {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.decisions)
	return c.decisions[len(c.decisions)-1]
}

type testHarness struct {
	engine *Engine
	health *health.MemoryStore
	sink   *captureSink
	alpha  *fakeTransport
	beta   *fakeTransport
	gamma  *fakeTransport
}

// newHarness builds an engine over the alias "smart": tier 0 holds
// alpha/m1 and beta/m1, tier 1 holds gamma/m2.
func newHarness(t *testing.T, admitter quota.Admitter) *testHarness {
	t.Helper()

	reg := registry.New()
	reg.Replace(registry.Snapshot{
		ProviderModels: []registry.ProviderModel{
			{Provider: "alpha", ModelPath: "m1", Enabled: true,
				Capabilities: types.Capabilities{types.CapabilityStreaming}},
			{Provider: "beta", ModelPath: "m1", Enabled: true,
				Capabilities: types.Capabilities{types.CapabilityStreaming}},
			{Provider: "gamma", ModelPath: "m2", Enabled: true,
				Capabilities: types.Capabilities{types.CapabilityStreaming}},
		},
		Aliases: []registry.Alias{{
			Name: "smart",
			Tiers: []registry.Tier{
				{{Provider: "alpha", ModelPath: "m1"}, {Provider: "beta", ModelPath: "m1"}},
				{{Provider: "gamma", ModelPath: "m2"}},
			},
		}},
	})

	store := health.NewMemoryStore(health.Config{CooldownThreshold: 3, CooldownBase: time.Minute})
	transports := transport.NewRegistry()
	h := &testHarness{
		health: store,
		sink:   &captureSink{},
		alpha:  &fakeTransport{name: "alpha"},
		beta:   &fakeTransport{name: "beta"},
		gamma:  &fakeTransport{name: "gamma"},
	}
	transports.Register(h.alpha)
	transports.Register(h.beta)
	transports.Register(h.gamma)

	h.engine = New(Config{
		Resolver:   resolver.New(reg, store, slog.Default()),
		Health:     store,
		Admitter:   admitter,
		Transports: transports,
		Sink:       h.sink,
		Logger:     slog.Default(),
	})
	return h
}

func TestDispatchFirstChoiceServes(t *testing.T) {
	h := newHarness(t, nil)

	resp, decision, err := h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)

	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, "alpha/m1", decision.Chosen)
	assert.Equal(t, "first_choice", decision.Reason)
	assert.Equal(t, []string{"alpha/m1", "beta/m1", "gamma/m2"}, decision.Candidates)
	require.Len(t, decision.Attempts, 1)
	assert.NotEmpty(t, decision.RequestID)
	assert.Equal(t, int32(0), h.beta.calls.Load())
}

func TestDispatchFailsOverOnProviderFault(t *testing.T) {
	h := newHarness(t, nil)
	h.alpha.invoke = func() (*types.ChatResponse, error) {
		return nil, gwerrors.NewProviderUnavailable("alpha", "m1", "upstream 503")
	}

	resp, decision, err := h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, "failover", decision.Reason)
	require.Len(t, decision.Attempts, 2)
	assert.Equal(t, "alpha/m1", decision.Attempts[0].Candidate)
	assert.Equal(t, gwerrors.ClassProviderFault, decision.Attempts[0].Class)
	assert.Equal(t, "beta/m1", decision.Attempts[1].Candidate)

	rec, _ := h.health.Health(context.Background(), "alpha/m1")
	assert.Less(t, rec.Score, 1.0, "provider fault penalizes health")
}

func TestDispatchCallerFaultIsImmediate(t *testing.T) {
	h := newHarness(t, nil)
	h.alpha.invoke = func() (*types.ChatResponse, error) {
		return nil, gwerrors.NewCallerFault("alpha", "m1", "invalid request body")
	}

	_, decision, err := h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "smart"})
	require.Error(t, err)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassCallerFault, ge.Class)
	assert.Equal(t, "caller_fault", decision.Reason)
	assert.Equal(t, int32(0), h.beta.calls.Load(), "caller faults never fail over")

	rec, _ := h.health.Health(context.Background(), "alpha/m1")
	assert.Equal(t, 1.0, rec.Score, "caller faults never penalize health")
}

func TestDispatchQuotaDeniedTerminates(t *testing.T) {
	admitter := quota.NewController(quota.NewMemoryStore(), func(string) []quota.Window {
		return []quota.Window{{Metric: quota.MetricRequests, Type: quota.WindowFixed, Size: time.Minute, Limit: 0}}
	})
	h := newHarness(t, admitter)

	_, decision, err := h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "smart"})
	require.Error(t, err)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassQuotaExceeded, ge.Class)
	assert.Equal(t, 429, ge.HTTPStatusCode())
	assert.Equal(t, "quota_denied", decision.Reason)
	assert.Equal(t, int32(0), h.alpha.calls.Load(), "denied requests never reach a provider")
}

func TestDispatchSkipsCooldownCandidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.health.RecordFailure(ctx, "alpha/m1", gwerrors.ClassProviderFault)
		require.NoError(t, err)
	}

	resp, decision, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, int32(0), h.alpha.calls.Load(), "cooldown candidates are never invoked")
	require.NotEmpty(t, decision.Skipped)
	assert.Equal(t, "alpha/m1", decision.Skipped[0].Key)
	assert.Equal(t, resolver.SkipCooldown, decision.Skipped[0].Reason)
}

func TestDispatchExhaustionNamesEveryCandidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// alpha sits in cooldown; beta and gamma fail live.
	for i := 0; i < 3; i++ {
		_, err := h.health.RecordFailure(ctx, "alpha/m1", gwerrors.ClassProviderFault)
		require.NoError(t, err)
	}
	fail := func() (*types.ChatResponse, error) {
		return nil, gwerrors.NewProviderTimeout("", "", "deadline exceeded")
	}
	h.beta.invoke = fail
	h.gamma.invoke = fail

	_, decision, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.Error(t, err)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassUpstreamRoutingFailure, ge.Class)
	assert.Contains(t, ge.Message, "beta/m1")
	assert.Contains(t, ge.Message, "gamma/m2")
	assert.Contains(t, ge.Message, "alpha/m1: skipped (cooldown)")
	assert.Equal(t, "exhausted", decision.Reason)
	require.Len(t, decision.Attempts, 2)
}

func TestDispatchUnknownModel(t *testing.T) {
	h := newHarness(t, nil)

	_, decision, err := h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "nope"})
	require.Error(t, err)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassNoProvidersAvailable, ge.Class)
	assert.Equal(t, "no_candidates", decision.Reason)
}

func TestDispatchUnsupportedCapabilityIsCallerFault(t *testing.T) {
	h := newHarness(t, nil)

	req := &types.ChatRequest{Model: "smart", Tools: []types.Tool{{Type: "function"}}}
	_, decision, err := h.engine.Dispatch(context.Background(), "acme", req)
	require.Error(t, err)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassCallerFault, ge.Class, "no candidate supports tools")
	assert.Equal(t, "caller_fault", decision.Reason)
	assert.Equal(t, int32(0), h.alpha.calls.Load())
}

func TestDispatchDecisionIsRecordedOncePerRequest(t *testing.T) {
	h := newHarness(t, nil)

	_, _, err := h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)
	_, _, err = h.engine.Dispatch(context.Background(), "acme", &types.ChatRequest{Model: "nope"})
	require.Error(t, err)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Len(t, h.sink.decisions, 2)
	assert.NotEqual(t, h.sink.decisions[0].RequestID, h.sink.decisions[1].RequestID)
}

func TestDispatchCandidateOrderIsReproducible(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)

	base := h.sink.last(t).Candidates
	for i := 0; i < 3; i++ {
		_, decision, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
		require.NoError(t, err)
		assert.Equal(t, base, decision.Candidates, "identical inputs yield identical candidate order")
	}
}

func TestDispatchStreamFailsOverBeforeFirstByte(t *testing.T) {
	h := newHarness(t, nil)
	h.alpha.streams = func() (streaming.Stream, error) {
		return nil, gwerrors.NewProviderUnavailable("alpha", "m1", "connect refused")
	}
	h.beta.streams = func() (streaming.Stream, error) {
		return &fakeStream{chunks: []*types.StreamChunk{
			{ID: "c1", Choices: []types.StreamChoice{{Delta: types.Delta{Content: "hi"}}}},
		}}, nil
	}

	stream, decision, err := h.engine.DispatchStream(context.Background(), "acme", &types.ChatRequest{Model: "smart", Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "beta/m1", decision.Chosen)
	assert.Equal(t, "failover", decision.Reason)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestDispatchStreamFailoverOnErrorBeforeFirstChunk(t *testing.T) {
	h := newHarness(t, nil)
	h.alpha.streams = func() (streaming.Stream, error) {
		// Stream opens but dies before yielding anything.
		return &fakeStream{finalErr: io.ErrUnexpectedEOF}, nil
	}
	h.beta.streams = func() (streaming.Stream, error) {
		return &fakeStream{chunks: []*types.StreamChunk{{ID: "c1"}}}, nil
	}

	stream, decision, err := h.engine.DispatchStream(context.Background(), "acme", &types.ChatRequest{Model: "smart", Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "beta/m1", decision.Chosen, "no byte was delivered, so failover is allowed")
}

func TestDispatchStreamMidFlightAbortIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.alpha.streams = func() (streaming.Stream, error) {
		return &fakeStream{
			chunks:   []*types.StreamChunk{{ID: "c1"}, {ID: "c2"}},
			finalErr: io.ErrUnexpectedEOF,
		}, nil
	}

	stream, decision, err := h.engine.DispatchStream(context.Background(), "acme", &types.ChatRequest{Model: "smart", Stream: true})
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, "alpha/m1", decision.Chosen)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "c1", chunk.ID)
	chunk, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "c2", chunk.ID)

	_, err = stream.Recv()
	require.Error(t, err)
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassProviderFault, ge.Class)

	assert.Equal(t, int32(0), h.beta.calls.Load(), "committed streams never fail over")

	rec, _ := h.health.Health(context.Background(), "alpha/m1")
	assert.Equal(t, int64(1), rec.TotalFailures, "abort is charged to the serving candidate")
}

func tokenWindowAdmitter(limit int64) quota.Admitter {
	return quota.NewController(quota.NewMemoryStore(), func(string) []quota.Window {
		return []quota.Window{{Metric: quota.MetricTokens, Type: quota.WindowFixed, Size: time.Hour, Limit: limit}}
	})
}

func TestDispatchTokenWindowGatesRequests(t *testing.T) {
	h := newHarness(t, tokenWindowAdmitter(100))
	h.alpha.invoke = func() (*types.ChatResponse, error) {
		return &types.ChatResponse{ID: "r", Provider: "alpha", Usage: &types.Usage{TotalTokens: 60}}, nil
	}
	ctx := context.Background()

	// 0 and 60 tokens consumed at check time: both admitted.
	_, _, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)
	_, _, err = h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)

	// 120 tokens consumed: the budget is spent.
	_, decision, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.Error(t, err)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.ClassQuotaExceeded, ge.Class)
	assert.Equal(t, 429, ge.HTTPStatusCode())
	assert.Equal(t, "quota_denied", decision.Reason)
	assert.Equal(t, int32(2), h.alpha.calls.Load(), "the denied request never reaches a provider")
}

func TestDispatchTokenUsageIsolatedPerTenant(t *testing.T) {
	h := newHarness(t, tokenWindowAdmitter(100))
	h.alpha.invoke = func() (*types.ChatResponse, error) {
		return &types.ChatResponse{ID: "r", Provider: "alpha", Usage: &types.Usage{TotalTokens: 150}}, nil
	}
	ctx := context.Background()

	_, _, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err)
	_, _, err = h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.Error(t, err, "acme spent its token budget")

	_, _, err = h.engine.Dispatch(ctx, "globex", &types.ChatRequest{Model: "smart"})
	require.NoError(t, err, "globex has its own budget")
}

func TestDispatchStreamRecordsTokenUsage(t *testing.T) {
	h := newHarness(t, tokenWindowAdmitter(100))
	h.alpha.streams = func() (streaming.Stream, error) {
		return &fakeStream{chunks: []*types.StreamChunk{
			{ID: "c1"},
			{ID: "c2", Usage: &types.Usage{TotalTokens: 150}},
		}}, nil
	}
	ctx := context.Background()

	stream, _, err := h.engine.DispatchStream(ctx, "acme", &types.ChatRequest{Model: "smart", Stream: true})
	require.NoError(t, err)
	defer stream.Close()
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	// The final usage chunk charged 150 tokens against the budget.
	_, decision, err := h.engine.Dispatch(ctx, "acme", &types.ChatRequest{Model: "smart"})
	require.Error(t, err)
	assert.Equal(t, "quota_denied", decision.Reason)
}

func TestDispatchStreamEmptyStreamCommits(t *testing.T) {
	h := newHarness(t, nil)
	h.alpha.streams = func() (streaming.Stream, error) {
		return &fakeStream{}, nil
	}

	stream, decision, err := h.engine.DispatchStream(context.Background(), "acme", &types.ChatRequest{Model: "smart", Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "alpha/m1", decision.Chosen)
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int32(0), h.beta.calls.Load())
}
