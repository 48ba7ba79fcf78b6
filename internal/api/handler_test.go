package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/internal/dispatch"
	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/quota"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/resolver"
	"github.com/modelrelay/relay/internal/streaming"
	"github.com/modelrelay/relay/internal/transport"
	"github.com/modelrelay/relay/pkg/types"
)

type stubTransport struct{ name string }

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Invoke(_ context.Context, model *registry.ProviderModel, _ *types.ChatRequest) (*types.ChatResponse, error) {
	return &types.ChatResponse{
		ID:       "resp-1",
		Model:    model.ModelPath,
		Provider: s.name,
		Choices:  []types.Choice{{Message: types.Message{Role: "assistant", Content: "hello"}}},
	}, nil
}

func (s *stubTransport) OpenStream(_ context.Context, _ *registry.ProviderModel, _ *types.ChatRequest) (streaming.Stream, error) {
	return &stubStream{chunks: []*types.StreamChunk{
		{ID: "c1", Choices: []types.StreamChoice{{Delta: types.Delta{Content: "hel"}}}},
		{ID: "c1", Choices: []types.StreamChoice{{Delta: types.Delta{Content: "lo"}}}},
	}}, nil
}

type stubStream struct{ chunks []*types.StreamChunk }

func (s *stubStream) Recv() (*types.StreamChunk, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *stubStream) Close() error { return nil }

func newTestHandler(t *testing.T, admitter quota.Admitter) *Handler {
	t.Helper()

	reg := registry.New()
	reg.Replace(registry.Snapshot{
		ProviderModels: []registry.ProviderModel{
			{Provider: "openai", ModelPath: "gpt-4o", Enabled: true,
				Capabilities: types.Capabilities{types.CapabilityStreaming}},
		},
		Canonical: []registry.CanonicalModel{
			{Name: "gpt-4o", Models: []registry.ModelRef{{Provider: "openai", ModelPath: "gpt-4o"}}},
		},
	})

	store := health.NewMemoryStore(health.Config{})
	transports := transport.NewRegistry()
	transports.Register(&stubTransport{name: "openai"})

	engine := dispatch.New(dispatch.Config{
		Resolver:   resolver.New(reg, store, slog.Default()),
		Health:     store,
		Admitter:   admitter,
		Transports: transports,
		Logger:     slog.Default(),
	})
	return NewHandler(engine, reg, store, slog.Default())
}

func postCompletion(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(TenantHeader, "acme")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func TestChatCompletions(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := postCompletion(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "openai/gpt-4o", rr.Header().Get("X-Served-By"))

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
}

func TestChatCompletionsValidation(t *testing.T) {
	h := newTestHandler(t, nil)

	t.Run("malformed body", func(t *testing.T) {
		rr := postCompletion(t, h, `{not json`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing model", func(t *testing.T) {
		rr := postCompletion(t, h, `{"messages":[{"role":"user","content":"hi"}]}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("empty messages", func(t *testing.T) {
		rr := postCompletion(t, h, `{"model":"gpt-4o","messages":[]}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := postCompletion(t, h, `{"model":"missing","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var er struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &er))
	assert.Equal(t, "no_providers_available", er.Error.Type)
}

func TestChatCompletionsQuotaDenied(t *testing.T) {
	admitter := quota.NewController(quota.NewMemoryStore(), func(string) []quota.Window {
		return []quota.Window{{Metric: quota.MetricRequests, Type: quota.WindowFixed, Size: time.Minute, Limit: 0}}
	})
	h := newTestHandler(t, admitter)

	rr := postCompletion(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestChatCompletionsStream(t *testing.T) {
	h := newTestHandler(t, nil)

	rr := postCompletion(t, h, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, `"content":"hel"`)
	assert.Contains(t, body, `"content":"lo"`)
}

func TestCandidatesEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models/gpt-4o/candidates", nil)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var out struct {
		Model      string `json:"model"`
		Candidates []struct {
			Candidate string         `json:"candidate"`
			Health    *health.Record `json:"health"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "openai/gpt-4o", out.Candidates[0].Candidate)
	assert.Equal(t, 1.0, out.Candidates[0].Health.Score)
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestHandler(t, nil)

	t.Run("live", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
		rr := httptest.NewRecorder()
		h.Routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "ok")
	})

	t.Run("ready with catalog", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		rr := httptest.NewRecorder()
		h.Routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("not ready without models", func(t *testing.T) {
		empty := NewHandler(nil, registry.New(), health.NewMemoryStore(health.Config{}), slog.Default())
		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		rr := httptest.NewRecorder()
		empty.Routes().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}
