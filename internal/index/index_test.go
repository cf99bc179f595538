package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledgerlens/internal/store"
)

// fakeEngine returns deterministic vectors derived from text length.
type fakeEngine struct {
	dims  int
	mu    sync.Mutex
	calls int
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dims)
		for j := range vec {
			vec[j] = float32(len(text)+i+j) / 100
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return f.dims }
func (f *fakeEngine) Name() string    { return "fake" }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedTransactions(t *testing.T, st *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.InsertTransaction(context.Background(), store.Transaction{
			ID:       fmt.Sprintf("txn-%03d", i),
			Date:     time.Date(2026, 1, 1+i%28, 0, 0, 0, 0, time.UTC),
			Merchant: fmt.Sprintf("Merchant %d", i),
			Amount:   float64(i) * 1.5,
			Category: "groceries",
		}))
	}
}

func TestRebuildAndLoad(t *testing.T) {
	st := openTestStore(t)
	seedTransactions(t, st, 5)

	engine := &fakeEngine{dims: 3}
	idx := New(st, engine, zap.NewNop())
	assert.Equal(t, 0, idx.Size())

	n, err := idx.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, idx.Size())

	snap := idx.Snapshot()
	assert.Equal(t, 3, snap.Dimensions)
	for i, rec := range snap.Records {
		assert.Equal(t, i, rec.Seq)
		assert.Len(t, rec.Vector, 3)
	}

	// A fresh index restores from the persisted rows.
	idx2 := New(st, engine, zap.NewNop())
	require.NoError(t, idx2.Load(context.Background()))
	assert.Equal(t, 5, idx2.Size())
	assert.Equal(t, snap.Records[0].ID, idx2.Snapshot().Records[0].ID)
}

func TestRebuildBatches(t *testing.T) {
	st := openTestStore(t)
	seedTransactions(t, st, embedBatchSize+3)

	engine := &fakeEngine{dims: 3}
	idx := New(st, engine, zap.NewNop())

	n, err := idx.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, embedBatchSize+3, n)
	assert.Equal(t, 2, engine.calls)
}

func TestSnapshotSwapIsAtomic(t *testing.T) {
	st := openTestStore(t)
	seedTransactions(t, st, 10)

	engine := &fakeEngine{dims: 3}
	idx := New(st, engine, zap.NewNop())
	_, err := idx.Rebuild(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			snap := idx.Snapshot()
			// A reader must always see a complete snapshot: every record
			// present with a full vector, never a partially built one.
			if got := len(snap.Records); got != 0 && got != 10 {
				t.Errorf("observed partial snapshot of %d records", got)
				return
			}
			for _, rec := range snap.Records {
				if len(rec.Vector) != snap.Dimensions {
					t.Errorf("record %s has %d dims, want %d", rec.ID, len(rec.Vector), snap.Dimensions)
					return
				}
			}
		}
	}()

	for i := 0; i < 5; i++ {
		_, err := idx.Rebuild(context.Background())
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
}

func TestLoadSkipsStaleDimensions(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.ReplaceEmbeddings(context.Background(), []store.EmbeddingRow{
		{ID: "ok", Vector: []float32{1, 2, 3}, Snippet: "fits"},
		{ID: "stale", Vector: []float32{1, 2}, Snippet: "old model"},
	}))

	idx := New(st, &fakeEngine{dims: 3}, zap.NewNop())
	require.NoError(t, idx.Load(context.Background()))
	require.Equal(t, 1, idx.Size())
	assert.Equal(t, "ok", idx.Snapshot().Records[0].ID)
}

func TestEmbedText(t *testing.T) {
	txt := EmbedText(store.Transaction{
		Date:        time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Merchant:    "Corner Cafe",
		Amount:      12.5,
		Category:    "dining",
		Description: "flat white and a scone",
	})
	assert.Equal(t, "2026-03-14 Corner Cafe $12.50 dining flat white and a scone", txt)
}
