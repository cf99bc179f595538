package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		expected   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, errors.New("bad key"), KindAuth},
		{"forbidden", http.StatusForbidden, errors.New("no access"), KindAuth},
		{"rate limited", http.StatusTooManyRequests, errors.New("slow down"), KindRateLimit},
		{"server error", http.StatusInternalServerError, errors.New("boom"), KindUnavailable},
		{"deadline", 0, fmt.Errorf("wrap: %w", context.DeadlineExceeded), KindTimeout},
		{"garbage body", http.StatusOK, errors.New("unexpected token"), KindMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify("openai", tt.statusCode, tt.err)
			assert.Equal(t, tt.expected, pe.Kind)
			assert.Equal(t, "openai", pe.Provider)
		})
	}
}

func TestKindOf(t *testing.T) {
	pe := &ProviderError{Provider: "gemini", Kind: KindRateLimit, Message: "429"}
	assert.Equal(t, KindRateLimit, KindOf(fmt.Errorf("generate: %w", pe)))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnavailable, KindOf(errors.New("plain")))
}

func TestProviderErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	pe := Classify("openai", 500, inner)
	assert.ErrorIs(t, pe, inner)
}
