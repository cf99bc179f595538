package rag

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledgerlens/internal/cache"
	"ledgerlens/internal/index"
	"ledgerlens/internal/llm"
	"ledgerlens/internal/metrics"
	"ledgerlens/internal/retrieval"
	"ledgerlens/internal/store"
	"ledgerlens/internal/tracing"
)

// echoProvider records prompts and returns a fixed answer.
type echoProvider struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
}

func (p *echoProvider) Generate(ctx context.Context, prompt string) (*llm.Result, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Result{
		Text:     p.answer,
		Provider: "gemini",
		Model:    "fake-model",
		Usage:    llm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}, nil
}

func (p *echoProvider) Name() string    { return "gemini" }
func (p *echoProvider) Model() string   { return "fake-model" }
func (p *echoProvider) Available() bool { return true }

func (p *echoProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

// constEngine embeds everything to the same direction so every indexed row
// matches every query.
type constEngine struct{}

func (constEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (constEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (constEngine) Dimensions() int { return 3 }
func (constEngine) Name() string    { return "const" }

type fixture struct {
	svc      *Service
	store    *store.Store
	provider *echoProvider
	recorder *tracing.Recorder
	insights *cache.InsightCache
}

func newFixture(t *testing.T, seed int) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for i := 0; i < seed; i++ {
		require.NoError(t, st.InsertTransaction(ctx, store.Transaction{
			ID:          "txn-" + string(rune('a'+i)),
			Date:        time.Date(2026, 7, 1+i, 0, 0, 0, 0, time.UTC),
			Merchant:    "Merchant",
			Amount:      10 + float64(i),
			Category:    "groceries",
			Description: "purchase",
		}))
	}

	engine := constEngine{}
	idx := index.New(st, engine, zap.NewNop())
	if seed > 0 {
		_, err = idx.Rebuild(ctx)
		require.NoError(t, err)
	}

	provider := &echoProvider{answer: "You spent $42."}
	factory, err := llm.NewFactory("gemini", filepath.Join(t.TempDir(), "state.json"), false, nil, zap.NewNop(), provider)
	require.NoError(t, err)

	recorder := tracing.NewRecorder(10, nil, zap.NewNop())
	insights := cache.New(time.Hour)

	svc := NewService(Config{
		Retriever:     retrieval.NewEngine(idx, engine, zap.NewNop()),
		Factory:       factory,
		Store:         st,
		Insights:      insights,
		Recorder:      recorder,
		Collector:     metrics.NewCollector(),
		Log:           zap.NewNop(),
		TopK:          5,
		ContextBudget: 6000,
	})

	return &fixture{svc: svc, store: st, provider: provider, recorder: recorder, insights: insights}
}

func TestQuery(t *testing.T) {
	f := newFixture(t, 3)

	resp, err := f.svc.Query(context.Background(), "how much did I spend?", 0)
	require.NoError(t, err)

	assert.Equal(t, "You spent $42.", resp.Answer)
	assert.Len(t, resp.Sources, 3)
	assert.Len(t, resp.Citations, 3)
	assert.Equal(t, "gemini", resp.ModelInfo.Provider)
	assert.GreaterOrEqual(t, resp.Timings.TotalMs, 0.0)
	assert.NotEmpty(t, resp.TraceID)

	// One trace with the three pipeline spans.
	trace := f.recorder.Get(resp.TraceID)
	require.NotNil(t, trace)
	assert.Equal(t, tracing.StatusSuccess, trace.Status)
	require.Len(t, trace.Spans, 3)
	assert.Equal(t, "retrieval", trace.Spans[0].Name)
	assert.Equal(t, "context_assembly", trace.Spans[1].Name)
	assert.Equal(t, "generation", trace.Spans[2].Name)
	assert.Equal(t, 120, trace.Spans[2].TotalTokens)

	// The prompt carries the numbered context lines.
	assert.Contains(t, f.provider.lastPrompt(), "1. 2026-07-")
}

func TestQueryEmptyQuestion(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.Query(context.Background(), "   ", 0)
	assert.Error(t, err)
}

func TestQueryEmptyIndex(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := f.svc.Query(context.Background(), "anything in there?", 0)
	require.NoError(t, err, "an empty index degrades gracefully, it is not an error")
	assert.Empty(t, resp.Sources)
	assert.Contains(t, f.provider.lastPrompt(), "no matching transactions")
}

func TestQueryTemporalAugmentation(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.svc.Query(context.Background(), "what are my most recent purchases?", 0)
	require.NoError(t, err)
	assert.Contains(t, f.provider.lastPrompt(), "Most recent transactions")

	_, err = f.svc.Query(context.Background(), "how much on groceries overall?", 0)
	require.NoError(t, err)
	assert.NotContains(t, f.provider.lastPrompt(), "Most recent transactions")
}

func TestQueryProviderFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.provider.err = &llm.ProviderError{Provider: "gemini", Kind: llm.KindRateLimit, Message: "429"}

	_, err := f.svc.Query(context.Background(), "q", 0)
	require.Error(t, err)
	assert.Equal(t, llm.KindRateLimit, llm.KindOf(err))

	// The trace closed with an error status.
	recent := f.recorder.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, tracing.StatusError, recent[0].Status)
}

func TestGenerateInsights(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	insights, err := f.svc.GenerateInsights(ctx, false)
	require.NoError(t, err)
	require.Len(t, insights, len(insightQuestions))
	for _, in := range insights {
		assert.False(t, in.FromCache)
		assert.NotEmpty(t, in.Answer)
	}

	// Second call is served from cache, no extra LLM traffic.
	before := len(f.provider.prompts)
	insights, err = f.svc.GenerateInsights(ctx, false)
	require.NoError(t, err)
	for _, in := range insights {
		assert.True(t, in.FromCache)
	}
	assert.Equal(t, before, len(f.provider.prompts))

	// Fresh answers were persisted.
	saved, err := f.store.LoadInsights(ctx)
	require.NoError(t, err)
	assert.Len(t, saved, len(insightQuestions))
}

func TestGenerateInsightsForceRefresh(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.GenerateInsights(ctx, false)
	require.NoError(t, err)
	before := len(f.provider.prompts)

	insights, err := f.svc.GenerateInsights(ctx, true)
	require.NoError(t, err)
	for _, in := range insights {
		assert.False(t, in.FromCache)
	}
	assert.Greater(t, len(f.provider.prompts), before)
}

func TestWarmInsights(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.store.SaveInsights(ctx, []store.CachedInsight{
		{Question: insightQuestions[0], Answer: "warmed", GeneratedAt: time.Now()},
	}))
	require.NoError(t, f.svc.WarmInsights(ctx))

	v, ok := f.insights.Get(insightQuestions[0])
	require.True(t, ok)
	assert.Equal(t, "warmed", v)
}

func TestClearInsights(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.GenerateInsights(ctx, false)
	require.NoError(t, err)

	n, err := f.svc.ClearInsights(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(insightQuestions), n)

	saved, err := f.store.LoadInsights(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestIsTemporal(t *testing.T) {
	f := newFixture(t, 0)

	assert.True(t, f.svc.isTemporal("show my RECENT purchases"))
	assert.True(t, f.svc.isTemporal("what did I buy this week"))
	assert.False(t, f.svc.isTemporal("total grocery spend in 2025"))
}

func TestAnswerPromptCitesInstructions(t *testing.T) {
	p := answerPrompt("how much?", "1. line")
	assert.True(t, strings.Contains(p, "Cite transactions by their line number"))
	assert.Contains(t, p, "1. line")
}
