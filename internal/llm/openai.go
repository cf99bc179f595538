package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAIClient creates a client for baseURL (e.g. https://api.openai.com/v1).
func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Available() bool { return c.apiKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate runs one chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (*Result, error) {
	if !c.Available() {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindAuth, Message: "api key not configured"}
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Classify(c.Name(), 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(c.Name(), resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, Classify(c.Name(), resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, Classify(c.Name(), resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != nil {
		return nil, Classify(c.Name(), resp.StatusCode, fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindMalformedResponse, Message: "response has no choices"}
	}

	usage := Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}
	text := parsed.Choices[0].Message.Content
	if usage.TotalTokens == 0 {
		usage = estimateUsage(prompt, text)
	}

	return &Result{Text: text, Provider: c.Name(), Model: c.model, Usage: usage}, nil
}

func truncateBody(data []byte) string {
	const max = 300
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

func estimateUsage(prompt, completion string) Usage {
	in := len(prompt) / 4
	out := len(completion) / 4
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out, Estimated: true}
}
