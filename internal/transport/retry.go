package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/streaming"
	gwerrors "github.com/modelrelay/relay/pkg/errors"
	"github.com/modelrelay/relay/pkg/types"
)

// RetryConfig tunes in-place retries against a single provider.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first.
	MaxRetries int

	// Backoff is the delay before the first retry; each further retry
	// doubles it, capped at MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns conservative retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

// RetryingTransport wraps a Transport with bounded retries for transient
// network failures. Business errors, including provider 5xx responses,
// pass through immediately so candidate failover can take over. Streams
// are retried only while opening; once open they belong to the caller.
type RetryingTransport struct {
	next   Transport
	config RetryConfig
	logger *slog.Logger
}

// NewRetryingTransport wraps next with transient-failure retries.
func NewRetryingTransport(next Transport, cfg RetryConfig, logger *slog.Logger) *RetryingTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	return &RetryingTransport{next: next, config: cfg, logger: logger}
}

// Name implements Transport.
func (t *RetryingTransport) Name() string {
	return t.next.Name()
}

// Invoke implements Transport.
func (t *RetryingTransport) Invoke(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (*types.ChatResponse, error) {
	var resp *types.ChatResponse
	err := t.withRetry(ctx, model, func() error {
		var attemptErr error
		resp, attemptErr = t.next.Invoke(ctx, model, req)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// OpenStream implements Transport.
func (t *RetryingTransport) OpenStream(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (streaming.Stream, error) {
	var stream streaming.Stream
	err := t.withRetry(ctx, model, func() error {
		var attemptErr error
		stream, attemptErr = t.next.OpenStream(ctx, model, req)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (t *RetryingTransport) withRetry(ctx context.Context, model *registry.ProviderModel, attempt func() error) error {
	var lastErr error

	for i := 0; i <= t.config.MaxRetries; i++ {
		if i > 0 {
			backoff := t.config.Backoff * time.Duration(1<<(i-1))
			if backoff > t.config.MaxBackoff {
				backoff = t.config.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			t.logger.Debug("retrying transient failure",
				slog.String("provider", t.next.Name()),
				slog.String("model", model.ModelPath),
				slog.Int("attempt", i+1),
				slog.Any("error", lastErr))
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		var ge *gwerrors.GatewayError
		if !errors.As(err, &ge) || !ge.Transient {
			return err
		}
	}
	return lastErr
}
