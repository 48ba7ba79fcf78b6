// Package api exposes the gateway's HTTP surface: an OpenAI-compatible
// chat completions endpoint backed by the dispatch engine, plus health
// and introspection endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/modelrelay/relay/internal/dispatch"
	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/observability"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/streaming"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

// TenantHeader carries the tenant id on inbound requests.
const TenantHeader = "X-Tenant-ID"

// maxRequestBody caps inbound request size.
const maxRequestBody = 10 << 20 // 10 MiB

// Handler serves the gateway HTTP API.
type Handler struct {
	engine   *dispatch.Engine
	registry *registry.Registry
	health   health.Store
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(engine *dispatch.Engine, reg *registry.Registry, store health.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, registry: reg, health: store, logger: logger}
}

// Routes returns the HTTP mux with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("GET /v1/models/{name}/candidates", h.handleCandidates)
	mux.HandleFunc("GET /health/live", h.handleLive)
	mux.HandleFunc("GET /health/ready", h.handleReady)
	return observability.RequestIDMiddleware(mux)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithRequestID(ctx, h.logger)

	var req types.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, gwerrors.NewCallerFault("", "", "invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, gwerrors.NewCallerFault("", "", "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, gwerrors.NewCallerFault("", req.Model, "messages must not be empty"))
		return
	}

	tenant := r.Header.Get(TenantHeader)

	if req.Stream {
		h.serveStream(w, r, tenant, &req, logger)
		return
	}

	resp, decision, err := h.engine.Dispatch(ctx, tenant, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Served-By", decision.Chosen)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.ErrorContext(ctx, "write response failed", slog.Any("error", err))
	}
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, tenant string, req *types.ChatRequest, logger *slog.Logger) {
	ctx := r.Context()

	stream, decision, err := h.engine.DispatchStream(ctx, tenant, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("X-Served-By", decision.Chosen)

	fwd, err := streaming.NewForwarder(ctx, stream, w)
	if err != nil {
		_ = stream.Close()
		h.writeError(w, gwerrors.NewCallerFault("", req.Model, "streaming unsupported by connection"))
		return
	}
	if err := fwd.Forward(); err != nil {
		// Headers are long gone; all we can do is log and let the client
		// observe the truncated stream.
		logger.WarnContext(ctx, "stream forwarding ended with error",
			slog.String("chosen", decision.Chosen),
			slog.Any("error", err))
	}
}

// candidateStatus is the introspection view of one candidate.
type candidateStatus struct {
	Candidate string         `json:"candidate"`
	Tier      int            `json:"tier"`
	Enabled   bool           `json:"enabled"`
	Health    *health.Record `json:"health"`
}

// handleCandidates reports the tiered candidates for a model name with
// their live health records.
func (h *Handler) handleCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	tenant := r.Header.Get(TenantHeader)

	view := h.registry.Expand(name, tenant)
	var out []candidateStatus
	for tierIdx, tier := range view.Tiers {
		for _, m := range tier {
			rec, err := h.health.Health(ctx, m.Key())
			if err != nil {
				rec = &health.Record{Score: 1}
			}
			out = append(out, candidateStatus{
				Candidate: m.Key(),
				Tier:      tierIdx,
				Enabled:   m.Enabled,
				Health:    rec,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":      name,
		"alias":      view.Alias,
		"candidates": out,
	})
}

func (h *Handler) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

// handleReady reports ready once the model catalog is loaded; a gateway
// with zero routable models cannot serve traffic yet.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if len(h.registry.Models()) == 0 {
		writeStatus(w, http.StatusServiceUnavailable, "no models loaded")
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// errorResponse is the client-facing error envelope.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// writeError renders any dispatch error with its mapped status code.
// Unclassified errors become opaque 500s.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		h.logger.Error("unclassified dispatch error", slog.Any("error", err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{
			Message: "internal error",
			Type:    "internal_error",
		}})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{
		Message:  ge.Message,
		Type:     string(ge.Class),
		Provider: ge.Provider,
		Model:    ge.Model,
	}})
}
