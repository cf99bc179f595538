// Package config provides JSON-file configuration with environment overrides
// for the ledgerlens service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("90s", "2m") or a bare number of nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the service.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	LLM        LLMConfig        `json:"llm"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Insights   InsightsConfig   `json:"insights"`
	Evaluation EvaluationConfig `json:"evaluation"`
	Tracing    TracingConfig    `json:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string   `json:"addr"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// DatabaseConfig points at the sqlite database file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// EmbeddingConfig selects and configures the embedding engine.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`
}

// LLMConfig configures the answer-generating providers.
type LLMConfig struct {
	// Provider is the initially active provider: "openai" or "gemini".
	// The active provider can be switched at runtime via the settings API;
	// the selection is persisted to StatePath.
	Provider  string `json:"provider"`
	StatePath string `json:"state_path"`

	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIBaseURL string `json:"openai_base_url"`
	OpenAIModel   string `json:"openai_model"`

	GeminiAPIKey string `json:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model"`

	// FallbackEnabled opts in to trying the remaining providers in
	// FallbackOrder when the active one fails. Off by default.
	FallbackEnabled bool     `json:"fallback_enabled"`
	FallbackOrder   []string `json:"fallback_order"`

	RequestTimeout Duration `json:"request_timeout"`
}

// RetrievalConfig tunes the retrieval stage.
type RetrievalConfig struct {
	TopK          int `json:"top_k"`
	ContextBudget int `json:"context_budget"` // characters
}

// InsightsConfig tunes the insight cache.
type InsightsConfig struct {
	TTL Duration `json:"ttl"`
}

// EvaluationConfig tunes the evaluation harness.
type EvaluationConfig struct {
	// TestSuitePath optionally points at a YAML file of test cases.
	// Empty means the built-in default suite.
	TestSuitePath    string   `json:"test_suite_path"`
	LiveQueryTimeout Duration `json:"live_query_timeout"`
	SuiteTimeout     Duration `json:"suite_timeout"`
	SuiteConcurrency int      `json:"suite_concurrency"`
}

// TracingConfig bounds trace retention.
type TracingConfig struct {
	MaxRecent int `json:"max_recent"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "ledgerlens.db",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		LLM: LLMConfig{
			Provider:       "gemini",
			StatePath:      "llm_state.json",
			OpenAIBaseURL:  "https://api.openai.com/v1",
			OpenAIModel:    "gpt-4o-mini",
			GeminiModel:    "gemini-2.0-flash",
			FallbackOrder:  []string{"gemini", "openai"},
			RequestTimeout: Duration(120 * time.Second),
		},
		Retrieval: RetrievalConfig{
			TopK:          10,
			ContextBudget: 6000,
		},
		Insights: InsightsConfig{
			TTL: Duration(24 * time.Hour),
		},
		Evaluation: EvaluationConfig{
			LiveQueryTimeout: Duration(120 * time.Second),
			SuiteTimeout:     Duration(15 * time.Minute),
			SuiteConcurrency: 2,
		},
		Tracing: TracingConfig{
			MaxRecent: 100,
		},
	}
}

// Load reads the config file at path (if it exists) on top of the defaults,
// then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine, defaults + env apply.
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.StatePath != "" && !filepath.IsAbs(cfg.LLM.StatePath) && path != "" {
		cfg.LLM.StatePath = filepath.Join(filepath.Dir(path), cfg.LLM.StatePath)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Addr, "LEDGERLENS_ADDR")
	setString(&cfg.Database.Path, "LEDGERLENS_DB")

	setString(&cfg.Embedding.Provider, "LEDGERLENS_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.OllamaEndpoint, "OLLAMA_ENDPOINT")
	setString(&cfg.Embedding.OllamaModel, "OLLAMA_EMBED_MODEL")
	setString(&cfg.Embedding.GenAIAPIKey, "GEMINI_API_KEY")

	setString(&cfg.LLM.Provider, "LEDGERLENS_LLM_PROVIDER")
	setString(&cfg.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.LLM.OpenAIModel, "OPENAI_MODEL")
	setString(&cfg.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&cfg.LLM.GeminiModel, "GEMINI_MODEL")
	setBool(&cfg.LLM.FallbackEnabled, "LEDGERLENS_LLM_FALLBACK")

	setInt(&cfg.Retrieval.TopK, "LEDGERLENS_TOP_K")
	setInt(&cfg.Retrieval.ContextBudget, "LEDGERLENS_CONTEXT_BUDGET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
