// Package index maintains the in-memory embedding index backing retrieval.
// The index is published as an immutable snapshot behind an atomic pointer:
// a rebuild constructs the complete replacement off to the side and swaps it
// in only when finished, so concurrent readers always see a fully-old or
// fully-new index, never a partial one.
package index

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerlens/internal/embedding"
	"ledgerlens/internal/store"
)

// embedBatchSize bounds how many snippets go to the engine per call.
const embedBatchSize = 16

// Record is one indexed transaction.
type Record struct {
	ID       string
	Vector   []float32
	Snippet  string
	Date     time.Time
	Merchant string
	Amount   float64
	Category string

	// Seq is the insertion position within the snapshot; it is the final
	// tie-breaker for retrieval ordering.
	Seq int
}

// Snapshot is an immutable view of the index. Safe to read without locks.
type Snapshot struct {
	Records    []Record
	Dimensions int
	BuiltAt    time.Time
}

// Index owns the published snapshot and its sqlite backing table.
type Index struct {
	snap   atomic.Pointer[Snapshot]
	store  *store.Store
	engine embedding.Engine
	log    *zap.Logger
}

// New creates an index with an empty published snapshot. Call Load to
// restore persisted embeddings, or Rebuild to embed from scratch.
func New(st *store.Store, engine embedding.Engine, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	idx := &Index{store: st, engine: engine, log: log}
	idx.snap.Store(&Snapshot{Dimensions: engine.Dimensions()})
	return idx
}

// Snapshot returns the currently published snapshot.
func (idx *Index) Snapshot() *Snapshot {
	return idx.snap.Load()
}

// Size returns the number of records in the published snapshot.
func (idx *Index) Size() int {
	return len(idx.snap.Load().Records)
}

// Load restores the index from the persisted embeddings table and publishes
// it. Rows whose vector dimension does not match the engine are skipped
// with a warning; they belong to a previous embedding model and will be
// replaced by the next Rebuild.
func (idx *Index) Load(ctx context.Context) error {
	rows, err := idx.store.LoadEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}

	dims := idx.engine.Dimensions()
	records := make([]Record, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if len(row.Vector) != dims {
			skipped++
			continue
		}
		records = append(records, Record{
			ID:       row.ID,
			Vector:   row.Vector,
			Snippet:  row.Snippet,
			Date:     row.Date,
			Merchant: row.Merchant,
			Amount:   row.Amount,
			Category: row.Category,
			Seq:      len(records),
		})
	}

	if skipped > 0 {
		idx.log.Warn("skipped stale embedding rows",
			zap.Int("skipped", skipped),
			zap.Int("expected_dims", dims))
	}

	idx.snap.Store(&Snapshot{Records: records, Dimensions: dims, BuiltAt: time.Now()})
	idx.log.Info("embedding index loaded", zap.Int("records", len(records)))
	return nil
}

// Rebuild re-embeds every transaction in the store, persists the new rows
// and swaps the published snapshot. Readers keep the old snapshot until the
// swap; a failed rebuild leaves both the table and the snapshot untouched.
func (idx *Index) Rebuild(ctx context.Context) (int, error) {
	txns, err := idx.store.ListTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}

	dims := idx.engine.Dimensions()
	records := make([]Record, 0, len(txns))
	embRows := make([]store.EmbeddingRow, 0, len(txns))

	for start := 0; start < len(txns); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(txns) {
			end = len(txns)
		}
		batch := txns[start:end]

		texts := make([]string, len(batch))
		for i, t := range batch {
			texts[i] = EmbedText(t)
		}

		vectors, err := idx.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return 0, fmt.Errorf("embed batch at %d: got %d vectors for %d texts", start, len(vectors), len(batch))
		}

		for i, t := range batch {
			if len(vectors[i]) != dims {
				return 0, fmt.Errorf("embedding %s: dimension %d, engine reports %d", t.ID, len(vectors[i]), dims)
			}
			snippet := Snippet(t)
			records = append(records, Record{
				ID:       t.ID,
				Vector:   vectors[i],
				Snippet:  snippet,
				Date:     t.Date,
				Merchant: t.Merchant,
				Amount:   t.Amount,
				Category: t.Category,
				Seq:      len(records),
			})
			embRows = append(embRows, store.EmbeddingRow{
				ID:       t.ID,
				Vector:   vectors[i],
				Snippet:  snippet,
				Date:     t.Date,
				Merchant: t.Merchant,
				Amount:   t.Amount,
				Category: t.Category,
			})
		}
	}

	if err := idx.store.ReplaceEmbeddings(ctx, embRows); err != nil {
		return 0, fmt.Errorf("persist embeddings: %w", err)
	}

	idx.snap.Store(&Snapshot{Records: records, Dimensions: dims, BuiltAt: time.Now()})
	idx.log.Info("embedding index rebuilt", zap.Int("records", len(records)))
	return len(records), nil
}

// EmbedText is the text representation of a transaction handed to the
// embedding engine.
func EmbedText(t store.Transaction) string {
	var b strings.Builder
	b.WriteString(t.Date.Format("2006-01-02"))
	b.WriteString(" ")
	b.WriteString(t.Merchant)
	fmt.Fprintf(&b, " $%.2f ", t.Amount)
	b.WriteString(t.Category)
	if t.Description != "" {
		b.WriteString(" ")
		b.WriteString(t.Description)
	}
	return b.String()
}

// Snippet is the short human-readable form carried through retrieval into
// the generation context.
func Snippet(t store.Transaction) string {
	if t.Description != "" {
		return t.Description
	}
	return t.Merchant
}
