// Package llm abstracts the answer-generating model providers. A Factory
// holds the runtime-switchable active provider; the OpenAI-compatible and
// Gemini clients implement the shared Provider interface.
package llm

import "context"

// Usage is the token accounting for one generation call. When the provider
// does not report usage, counts are estimated from text length.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Result is the outcome of one generation call.
type Result struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
}

// Provider generates text completions.
type Provider interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string) (*Result, error)

	// Name returns the provider identifier ("openai", "gemini").
	Name() string

	// Model returns the configured model name.
	Model() string

	// Available reports whether the provider is configured (has credentials).
	Available() bool
}
