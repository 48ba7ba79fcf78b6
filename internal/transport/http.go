package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/streaming"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

const chatCompletionsPath = "/chat/completions"

// errorBodyLimit caps how much of an upstream error body is carried into
// the gateway error message.
const errorBodyLimit = 2048

// HTTPConfig configures an OpenAI-compatible HTTP transport.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPTransport speaks the OpenAI chat completions protocol, which
// covers OpenAI itself plus the many compatible vendors and proxies.
type HTTPTransport struct {
	provider string
	config   HTTPConfig
	client   *http.Client
}

// NewHTTPTransport creates an HTTP transport for one provider. A nil
// client gets a pooled default.
func NewHTTPTransport(provider string, cfg HTTPConfig, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		}
	}
	return &HTTPTransport{provider: provider, config: cfg, client: client}
}

// Name implements Transport.
func (t *HTTPTransport) Name() string {
	return t.provider
}

// Invoke implements Transport.
func (t *HTTPTransport) Invoke(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (*types.ChatResponse, error) {
	upstream := *req
	upstream.Model = model.ModelPath
	upstream.Stream = false

	resp, err := t.do(ctx, model, &upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out types.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gwerrors.NewMalformedResponse(t.provider, model.ModelPath,
			fmt.Sprintf("decode completion response: %v", err))
	}
	out.Provider = t.provider
	return &out, nil
}

// OpenStream implements Transport. The returned stream owns the response
// body.
func (t *HTTPTransport) OpenStream(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (streaming.Stream, error) {
	upstream := *req
	upstream.Model = model.ModelPath
	upstream.Stream = true

	resp, err := t.do(ctx, model, &upstream)
	if err != nil {
		return nil, err
	}
	return streaming.NewReader(resp.Body), nil
}

// do sends the request and maps transport-level and status failures onto
// gateway errors. A non-nil response always has a 2xx status.
func (t *HTTPTransport) do(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, gwerrors.NewCallerFault(t.provider, model.ModelPath,
			fmt.Sprintf("encode request: %v", err))
	}

	url := strings.TrimSuffix(t.config.BaseURL, "/") + chatCompletionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewCallerFault(t.provider, model.ModelPath,
			fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, gwerrors.NewProviderTimeout(t.provider, model.ModelPath, err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		ge := gwerrors.NewProviderUnavailable(t.provider, model.ModelPath, err.Error())
		ge.Transient = true
		return nil, ge
	}

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, gwerrors.FromStatus(t.provider, model.ModelPath, resp.StatusCode, string(excerpt))
	}
	return resp, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
