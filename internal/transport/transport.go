// Package transport abstracts provider invocation. A Transport knows how
// to call one provider's API with the canonical request shape; the
// dispatch engine stays provider-agnostic and works purely with
// candidate keys and classified errors.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/streaming"
	"github.com/modelrelay/relay/pkg/types"
)

// Transport invokes a provider model. Errors must be *errors.GatewayError
// so the dispatch loop can classify them; anything else is treated as a
// provider fault.
type Transport interface {
	// Name returns the provider id this transport serves.
	Name() string

	// Invoke performs a non-streaming completion.
	Invoke(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (*types.ChatResponse, error)

	// OpenStream starts a streaming completion. An error here means no
	// byte was received and the caller may fail over.
	OpenStream(ctx context.Context, model *registry.ProviderModel, req *types.ChatRequest) (streaming.Stream, error)
}

// Registry maps provider ids to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register adds a transport under its provider id, replacing any
// previous one.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Replace swaps the full transport set atomically, typically on a
// config reload. In-flight requests keep the transport they looked up.
func (r *Registry) Replace(transports []Transport) {
	next := make(map[string]Transport, len(transports))
	for _, t := range transports {
		next[t.Name()] = t
	}
	r.mu.Lock()
	r.transports = next
	r.mu.Unlock()
}

// Lookup returns the transport for a provider id.
func (r *Registry) Lookup(provider string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[provider]
	if !ok {
		return nil, fmt.Errorf("no transport registered for provider %q", provider)
	}
	return t, nil
}

// Providers returns the registered provider ids.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	return ids
}
