package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledgerlens/internal/index"
	"ledgerlens/internal/store"
)

// stubEngine returns canned vectors per text.
type stubEngine struct {
	dims    int
	vectors map[string][]float32
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, s.dims), nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return s.dims }
func (s *stubEngine) Name() string    { return "stub" }

func date(day int) time.Time {
	return time.Date(2026, 6, day, 0, 0, 0, 0, time.UTC)
}

func buildIndex(t *testing.T, engine *stubEngine, rows []store.EmbeddingRow) *index.Index {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.ReplaceEmbeddings(context.Background(), rows))
	idx := index.New(st, engine, zap.NewNop())
	require.NoError(t, idx.Load(context.Background()))
	return idx
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{
		"coffee spending": {1, 0},
	}}
	idx := buildIndex(t, engine, []store.EmbeddingRow{
		{ID: "far", Vector: []float32{0, 1}, Snippet: "rent", Date: date(1)},
		{ID: "near", Vector: []float32{1, 0.1}, Snippet: "espresso", Date: date(2)},
		{ID: "exact", Vector: []float32{2, 0}, Snippet: "latte", Date: date(3)},
	})

	e := NewEngine(idx, engine, zap.NewNop())
	items, err := e.Retrieve(context.Background(), "coffee spending", 3, Filters{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "exact", items[0].ID)
	assert.Equal(t, "near", items[1].ID)
	assert.Equal(t, "far", items[2].ID)
	assert.GreaterOrEqual(t, items[0].Score, items[1].Score)
	assert.GreaterOrEqual(t, items[1].Score, items[2].Score)
}

func TestRetrieveTieBreak(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{
		"q": {1, 0},
	}}
	// All three score identically; ordering must fall back to date desc,
	// then insertion order.
	idx := buildIndex(t, engine, []store.EmbeddingRow{
		{ID: "old", Vector: []float32{1, 0}, Date: date(1)},
		{ID: "new-a", Vector: []float32{2, 0}, Date: date(9)},
		{ID: "new-b", Vector: []float32{3, 0}, Date: date(9)},
	})

	e := NewEngine(idx, engine, zap.NewNop())
	items, err := e.Retrieve(context.Background(), "q", 3, Filters{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "new-a", items[0].ID)
	assert.Equal(t, "new-b", items[1].ID)
	assert.Equal(t, "old", items[2].ID)
}

func TestRetrieveNearTieChainOrdersByDate(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{
		"q": {1, 0},
	}}
	// Scores are distinct but pairwise closer than the tie window, so the
	// whole chain counts as one tie group and date must decide, even where
	// that inverts the raw score order.
	idx := buildIndex(t, engine, []store.EmbeddingRow{
		{ID: "newest", Vector: []float32{1, 2e-6}, Date: date(9)},
		{ID: "middle", Vector: []float32{1, 1e-6}, Date: date(5)},
		{ID: "oldest", Vector: []float32{1, 0}, Date: date(1)},
	})

	e := NewEngine(idx, engine, zap.NewNop())
	items, err := e.Retrieve(context.Background(), "q", 3, Filters{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "newest", items[0].ID)
	assert.Equal(t, "middle", items[1].ID)
	assert.Equal(t, "oldest", items[2].ID)
}

func TestRetrieveLimitsToK(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}
	idx := buildIndex(t, engine, []store.EmbeddingRow{
		{ID: "a", Vector: []float32{1, 0}, Date: date(1)},
		{ID: "b", Vector: []float32{1, 0.5}, Date: date(2)},
		{ID: "c", Vector: []float32{0, 1}, Date: date(3)},
	})

	e := NewEngine(idx, engine, zap.NewNop())
	items, err := e.Retrieve(context.Background(), "q", 2, Filters{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}
	idx := buildIndex(t, engine, nil)

	e := NewEngine(idx, engine, zap.NewNop())
	items, err := e.Retrieve(context.Background(), "q", 5, Filters{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{
		"q": {1, 0, 0}, // three dims against a two-dim index
	}}
	idx := buildIndex(t, engine, []store.EmbeddingRow{
		{ID: "a", Vector: []float32{1, 0}, Date: date(1)},
	})

	e := NewEngine(idx, engine, zap.NewNop())
	_, err := e.Retrieve(context.Background(), "q", 5, Filters{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestRetrieveValidatesInput(t *testing.T) {
	engine := &stubEngine{dims: 2}
	idx := buildIndex(t, engine, nil)
	e := NewEngine(idx, engine, zap.NewNop())

	_, err := e.Retrieve(context.Background(), "q", 0, Filters{})
	assert.Error(t, err)

	_, err = e.Retrieve(context.Background(), "   ", 3, Filters{})
	assert.Error(t, err)
}

func TestRetrieveFilters(t *testing.T) {
	engine := &stubEngine{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}
	idx := buildIndex(t, engine, []store.EmbeddingRow{
		{ID: "groc-early", Vector: []float32{1, 0}, Date: date(1), Category: "groceries"},
		{ID: "groc-late", Vector: []float32{1, 0}, Date: date(20), Category: "groceries"},
		{ID: "dining", Vector: []float32{1, 0}, Date: date(10), Category: "dining"},
	})

	e := NewEngine(idx, engine, zap.NewNop())

	items, err := e.Retrieve(context.Background(), "q", 5, Filters{Category: "Groceries"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = e.Retrieve(context.Background(), "q", 5, Filters{DateFrom: date(5), DateTo: date(15)})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "dining", items[0].ID)
}
