// Package errors defines the unified error taxonomy for gateway routing.
// Every failure observed during dispatch is mapped onto one of these
// classes; the class decides whether the failure penalizes provider
// health and whether the dispatch loop may advance to another candidate.
package errors

import (
	"fmt"
	"net/http"
)

// Class identifies who or what a failure is attributable to.
type Class string

const (
	// ClassCallerFault covers bad requests, invalid auth, and unsupported
	// capabilities. Never retried, never penalizes provider health.
	ClassCallerFault Class = "caller_fault"

	// ClassProviderFault covers timeouts, 5xx responses, and malformed
	// upstream payloads. Retried against the next candidate and counted
	// against provider health.
	ClassProviderFault Class = "provider_fault"

	// ClassQuotaExceeded is terminal for the request and not attributable
	// to any provider.
	ClassQuotaExceeded Class = "quota_exceeded"

	// ClassNoProvidersAvailable means resolution produced zero candidates.
	ClassNoProvidersAvailable Class = "no_providers_available"

	// ClassUpstreamRoutingFailure means every candidate was exhausted.
	ClassUpstreamRoutingFailure Class = "upstream_routing_failure"
)

// GatewayError is the standardized error carried through the dispatch
// core. It holds everything needed for classification, health accounting,
// and the client-facing response.
type GatewayError struct {
	Class      Class  `json:"class"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`

	// Transient marks pure network-level failures (connection refused,
	// DNS, deadline on dial) that the transport may retry in place before
	// surfacing. Business errors are never transient.
	Transient bool `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Class, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface to the caller.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// PenalizesHealth reports whether this failure should count against the
// provider's health score. Caller-attributable failures must not poison
// a healthy provider.
func (e *GatewayError) PenalizesHealth() bool {
	return e.Class == ClassProviderFault
}

// NewCallerFault creates a caller-attributable error (400).
func NewCallerFault(provider, model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassCallerFault,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
}

// NewUnsupportedCapability creates a caller fault for a capability the
// resolved model set cannot satisfy.
func NewUnsupportedCapability(model, capability string) *GatewayError {
	return &GatewayError{
		Class:      ClassCallerFault,
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf("model %s does not support %s", model, capability),
		Model:      model,
	}
}

// NewProviderTimeout creates a provider-attributable timeout error (408).
func NewProviderTimeout(provider, model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassProviderFault,
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
		Transient:  true,
	}
}

// NewProviderUnavailable creates a provider-attributable 5xx error.
func NewProviderUnavailable(provider, model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassProviderFault,
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewMalformedResponse creates a provider-attributable error for an
// upstream payload that could not be parsed.
func NewMalformedResponse(provider, model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassProviderFault,
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewQuotaExceeded creates a terminal quota error (429).
func NewQuotaExceeded(tenant, model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassQuotaExceeded,
		StatusCode: http.StatusTooManyRequests,
		Message:    fmt.Sprintf("tenant %s: %s", tenant, message),
		Model:      model,
	}
}

// NewNoProvidersAvailable creates the terminal zero-candidates error (503).
func NewNoProvidersAvailable(model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassNoProvidersAvailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Model:      model,
	}
}

// NewUpstreamRoutingFailure creates the terminal all-candidates-exhausted
// error (502).
func NewUpstreamRoutingFailure(model, message string) *GatewayError {
	return &GatewayError{
		Class:      ClassUpstreamRoutingFailure,
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Model:      model,
	}
}

// ClassifyStatus maps an upstream HTTP status code to an error class.
// 408, 429 and all 5xx are provider-attributable; other 4xx belong to
// the caller.
func ClassifyStatus(statusCode int) Class {
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return ClassProviderFault
	case statusCode >= 400:
		return ClassCallerFault
	default:
		return ClassProviderFault
	}
}

// FromStatus builds a GatewayError from an upstream status code and body
// excerpt, classified per ClassifyStatus.
func FromStatus(provider, model string, statusCode int, message string) *GatewayError {
	class := ClassifyStatus(statusCode)
	return &GatewayError{
		Class:      class,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  class == ClassProviderFault,
	}
}
