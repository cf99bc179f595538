// Package rag orchestrates the query pipeline: retrieve relevant
// transactions, assemble a bounded context, generate an answer. Every query
// runs under one trace with a span per stage, and records flow metrics.
package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ledgerlens/internal/cache"
	"ledgerlens/internal/llm"
	"ledgerlens/internal/metrics"
	"ledgerlens/internal/retrieval"
	"ledgerlens/internal/store"
	"ledgerlens/internal/tracing"
)

// temporalKeywords trigger augmentation of the context with the newest
// transactions, since similarity search alone has no sense of "recent".
var temporalKeywords = []string{
	"recent", "latest", "last", "newest", "this month", "this week", "today", "yesterday",
}

// insightQuestions are the fixed analytic questions behind the insights
// surface. They double as the cache keys.
var insightQuestions = []string{
	"What are my top spending categories and how much did I spend on each?",
	"Are there any unusual or unusually large transactions I should look at?",
	"What recurring payments or subscriptions show up in my transactions?",
	"How does my recent spending compare to earlier periods?",
}

// StepTimings are the per-stage wall-clock durations of one query.
type StepTimings struct {
	RetrievalMs     float64 `json:"retrieval_ms"`
	ContextMs       float64 `json:"context_ms"`
	LLMGenerationMs float64 `json:"llm_generation_ms"`
	TotalMs         float64 `json:"total_ms"`
}

// ModelInfo identifies the provider that produced the answer.
type ModelInfo struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Usage    llm.Usage `json:"usage"`
}

// QueryResponse is the full result of one pipeline run.
type QueryResponse struct {
	Answer    string                    `json:"answer"`
	Sources   []retrieval.RetrievedItem `json:"sources"`
	Citations map[int]string            `json:"citations"`
	ModelInfo ModelInfo                 `json:"model_info"`
	Timings   StepTimings               `json:"metrics"`
	TraceID   string                    `json:"trace_id"`
}

// Insight is one cached analytic answer.
type Insight struct {
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	GeneratedAt time.Time `json:"generated_at"`
	FromCache   bool      `json:"from_cache"`
}

// Service runs the retrieval-augmented query pipeline.
type Service struct {
	retriever *retrieval.Engine
	builder   retrieval.ContextBuilder
	factory   *llm.Factory
	store     *store.Store
	insights  *cache.InsightCache
	recorder  *tracing.Recorder
	collector *metrics.Collector
	log       *zap.Logger

	topK int
}

// Config wires the service dependencies.
type Config struct {
	Retriever     *retrieval.Engine
	Factory       *llm.Factory
	Store         *store.Store
	Insights      *cache.InsightCache
	Recorder      *tracing.Recorder
	Collector     *metrics.Collector
	Log           *zap.Logger
	TopK          int
	ContextBudget int
}

// NewService creates the pipeline service.
func NewService(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	return &Service{
		retriever: cfg.Retriever,
		builder:   retrieval.ContextBuilder{Budget: cfg.ContextBudget},
		factory:   cfg.Factory,
		store:     cfg.Store,
		insights:  cfg.Insights,
		recorder:  cfg.Recorder,
		collector: cfg.Collector,
		log:       cfg.Log,
		topK:      cfg.TopK,
	}
}

// Query answers a natural-language question over the indexed transactions.
// k <= 0 uses the configured default.
func (s *Service) Query(ctx context.Context, question string, k int) (*QueryResponse, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question is empty")
	}
	if k <= 0 {
		k = s.topK
	}

	start := time.Now()
	trace := s.recorder.StartTrace("rag_query", question)
	resp := &QueryResponse{TraceID: trace.ID}

	// Stage 1: retrieval.
	retrSpan := trace.StartSpan("retrieval", "retrieval")
	retrStart := time.Now()
	items, err := s.retriever.Retrieve(ctx, question, k, retrieval.Filters{})
	resp.Timings.RetrievalMs = msSince(retrStart)
	retrSpan.End(err)
	if err != nil {
		s.finish(trace, tracing.StatusError, "", err, start)
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	// Stage 2: context assembly.
	ctxSpan := trace.StartSpan("context_assembly", "context")
	ctxStart := time.Now()
	built := s.builder.Build(items)
	contextBlock := built.Text
	if s.isTemporal(question) {
		if recent := s.recentBlock(ctx); recent != "" {
			contextBlock = recent + "\n\n" + contextBlock
		}
	}
	resp.Timings.ContextMs = msSince(ctxStart)
	ctxSpan.End(nil)

	// Stage 3: generation.
	genSpan := trace.StartSpan("generation", "llm")
	genStart := time.Now()
	result, err := s.factory.Generate(ctx, answerPrompt(question, contextBlock))
	resp.Timings.LLMGenerationMs = msSince(genStart)
	if err != nil {
		genSpan.End(err)
		status := tracing.StatusError
		if llm.KindOf(err) == llm.KindTimeout {
			status = tracing.StatusTimeout
		}
		s.finish(trace, status, "", err, start)
		return nil, fmt.Errorf("generate: %w", err)
	}
	genSpan.RecordLLMCall(result.Provider, result.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	genSpan.End(nil)

	resp.Answer = result.Text
	resp.Sources = items
	resp.Citations = built.Citations
	resp.ModelInfo = ModelInfo{Provider: result.Provider, Model: result.Model, Usage: result.Usage}
	resp.Timings.TotalMs = msSince(start)

	s.finish(trace, tracing.StatusSuccess, result.Text, nil, start)
	return resp, nil
}

func (s *Service) finish(trace *tracing.Trace, status tracing.Status, output string, err error, start time.Time) {
	trace.End(status, output, err)
	s.collector.Record(metrics.FlowRAG, time.Since(start), err)
}

// GenerateInsights answers the fixed analytic questions, memoized through
// the insight cache and persisted so restarts keep prior answers. With
// forceRefresh the cache is bypassed and rewritten.
func (s *Service) GenerateInsights(ctx context.Context, forceRefresh bool) ([]Insight, error) {
	start := time.Now()

	if forceRefresh {
		for _, q := range insightQuestions {
			s.insights.Invalidate(q)
		}
	}

	out := make([]Insight, 0, len(insightQuestions))
	var toPersist []store.CachedInsight

	for _, q := range insightQuestions {
		question := q
		answer, fromCache, err := s.insights.GetOrGenerate(ctx, question, func(ctx context.Context) (string, error) {
			resp, err := s.Query(ctx, question, s.topK)
			if err != nil {
				return "", err
			}
			return resp.Answer, nil
		})
		if err != nil {
			s.collector.Record(metrics.FlowInsights, time.Since(start), err)
			return nil, fmt.Errorf("insight %q: %w", question, err)
		}

		generatedAt, _ := s.insights.GeneratedAt(question)
		out = append(out, Insight{
			Question:    question,
			Answer:      answer,
			GeneratedAt: generatedAt,
			FromCache:   fromCache,
		})
		if !fromCache {
			toPersist = append(toPersist, store.CachedInsight{
				Question:    question,
				Answer:      answer,
				GeneratedAt: generatedAt,
			})
		}
	}

	if len(toPersist) > 0 {
		if err := s.store.SaveInsights(ctx, toPersist); err != nil {
			// Persistence is best-effort; the in-memory cache is primary.
			s.log.Warn("persist insights failed", zap.Error(err))
		}
	}

	s.collector.Record(metrics.FlowInsights, time.Since(start), nil)
	return out, nil
}

// WarmInsights loads persisted insights into the in-memory cache at startup.
func (s *Service) WarmInsights(ctx context.Context) error {
	saved, err := s.store.LoadInsights(ctx)
	if err != nil {
		return fmt.Errorf("load insights: %w", err)
	}
	for _, ci := range saved {
		s.insights.Put(ci.Question, ci.Answer, ci.GeneratedAt)
	}
	return nil
}

// ClearInsights drops both the in-memory and persisted insight caches and
// returns how many in-memory entries were removed.
func (s *Service) ClearInsights(ctx context.Context) (int, error) {
	n := s.insights.InvalidateAll()
	if _, err := s.store.ClearInsights(ctx); err != nil {
		return n, fmt.Errorf("clear persisted insights: %w", err)
	}
	return n, nil
}

// Benchmark runs one canonical query and returns its step timings.
func (s *Service) Benchmark(ctx context.Context) (*QueryResponse, error) {
	return s.Query(ctx, "What did I spend the most on last month?", s.topK)
}

func (s *Service) isTemporal(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range temporalKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// recentBlock renders the newest transactions for temporal questions.
// Failures degrade to no augmentation.
func (s *Service) recentBlock(ctx context.Context) string {
	txns, err := s.store.RecentTransactions(ctx, 10)
	if err != nil || len(txns) == 0 {
		if err != nil {
			s.log.Warn("load recent transactions failed", zap.Error(err))
		}
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Most recent transactions (newest first):")
	for _, t := range txns {
		fmt.Fprintf(&sb, "\n- %s - %s - $%.2f - %s", t.Date.Format("2006-01-02"), t.Merchant, t.Amount, t.Category)
	}
	return sb.String()
}

func answerPrompt(question, contextBlock string) string {
	if strings.TrimSpace(contextBlock) == "" {
		contextBlock = "(no matching transactions were found in the index)"
	}
	return fmt.Sprintf(`You are a personal finance assistant. Answer the question using only the numbered transactions below. Cite transactions by their line number, like [3]. If the context does not contain the answer, say so plainly instead of guessing. Show your arithmetic when totals or averages are involved.

Transactions:
%s

Question: %s

Answer:`, contextBlock, question)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
