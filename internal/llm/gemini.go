package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GeminiClient talks to the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewGeminiClient creates a Gemini client for the given model.
func NewGeminiClient(apiKey, model string, timeout time.Duration) *GeminiClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *GeminiClient) Name() string  { return "gemini" }
func (c *GeminiClient) Model() string { return c.model }

func (c *GeminiClient) Available() bool { return c.apiKey != "" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate runs one generateContent call.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (*Result, error) {
	if !c.Available() {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindAuth, Message: "api key not configured"}
	}

	var reqBody geminiRequest
	reqBody.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}}
	reqBody.GenerationConfig.Temperature = 0.2

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, Classify(c.Name(), resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	if parsed.Error != nil {
		return nil, Classify(c.Name(), resp.StatusCode,
			fmt.Errorf("%s: %s", parsed.Error.Status, parsed.Error.Message))
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindMalformedResponse, Message: "no candidates returned"}
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())

	usage := Usage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
	}
	if usage.TotalTokens == 0 {
		usage = estimateUsage(prompt, text)
	}

	return &Result{Text: text, Provider: c.Name(), Model: c.model, Usage: usage}, nil
}
