package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a provider failure for API consumers.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth"
	KindRateLimit         ErrorKind = "rate_limit"
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnavailable       ErrorKind = "unavailable"
)

// ProviderError is a classified failure from one provider.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify wraps err as a ProviderError, mapping HTTP status codes and
// context errors to kinds. statusCode 0 means no HTTP response was seen.
func Classify(provider string, statusCode int, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, Err: err}
	if err != nil {
		pe.Message = err.Error()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Kind = KindTimeout
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Kind = KindAuth
	case statusCode == http.StatusTooManyRequests:
		pe.Kind = KindRateLimit
	case statusCode >= 500:
		pe.Kind = KindUnavailable
	default:
		pe.Kind = KindMalformedResponse
	}

	return pe
}

// KindOf extracts the error kind from err, or KindUnavailable when err
// carries no classification.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}
