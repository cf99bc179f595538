package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "You spent $42 on coffee."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 8, "total_tokens": 128}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "gpt-4o-mini", 5*time.Second)
	result, err := c.Generate(context.Background(), "How much coffee?")
	require.NoError(t, err)

	assert.Equal(t, "You spent $42 on coffee.", result.Text)
	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, 120, result.Usage.InputTokens)
	assert.Equal(t, 8, result.Usage.OutputTokens)
	assert.Equal(t, 128, result.Usage.TotalTokens)
	assert.False(t, result.Usage.Estimated)
}

func TestOpenAIGenerateEstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": [{"message": {"content": "hello there"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "gpt-4o-mini", 5*time.Second)
	result, err := c.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.True(t, result.Usage.Estimated)
	assert.Equal(t, result.Usage.InputTokens+result.Usage.OutputTokens, result.Usage.TotalTokens)
}

func TestOpenAIGenerateErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth},
		{"rate limited", http.StatusTooManyRequests, KindRateLimit},
		{"server error", http.StatusInternalServerError, KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewOpenAIClient("test-key", srv.URL, "gpt-4o-mini", 5*time.Second)
			_, err := c.Generate(context.Background(), "hi")
			require.Error(t, err)
			assert.Equal(t, tt.expected, KindOf(err))
		})
	}
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, "gpt-4o-mini", 5*time.Second)
	_, err := c.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, KindMalformedResponse, KindOf(err))
}

func TestOpenAIGenerateWithoutKey(t *testing.T) {
	c := NewOpenAIClient("", "http://unused", "gpt-4o-mini", time.Second)
	_, err := c.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
}
