// Package retrieval ranks indexed transactions against a query embedding
// and assembles the bounded context block handed to the generator.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"ledgerlens/internal/embedding"
	"ledgerlens/internal/index"
)

// scoreEpsilon is the similarity distance below which two items count as
// tied and fall through to the secondary ordering.
const scoreEpsilon = 1e-9

// Filters optionally restricts retrieval to a category and/or date range.
// Zero values mean no restriction.
type Filters struct {
	Category string
	DateFrom time.Time
	DateTo   time.Time
}

// RetrievedItem is one ranked index hit.
type RetrievedItem struct {
	ID       string    `json:"id"`
	Score    float64   `json:"score"`
	Snippet  string    `json:"snippet"`
	Date     time.Time `json:"date"`
	Merchant string    `json:"merchant"`
	Amount   float64   `json:"amount"`
	Category string    `json:"category"`
}

// Engine retrieves the top-k most similar transactions for a query.
type Engine struct {
	index *index.Index
	embed embedding.Engine
	log   *zap.Logger
}

// NewEngine creates a retrieval engine over the given index.
func NewEngine(idx *index.Index, embed embedding.Engine, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{index: idx, embed: embed, log: log}
}

// Retrieve embeds the query and returns up to k items in non-increasing
// similarity order. Ties within scoreEpsilon are broken by transaction date
// (newest first), then by index insertion order. An empty index yields an
// empty result and no error; a dimension mismatch between the query
// embedding and the index is an error.
func (e *Engine) Retrieve(ctx context.Context, query string, k int, filters Filters) ([]RetrievedItem, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty")
	}

	snap := e.index.Snapshot()
	if len(snap.Records) == 0 {
		return []RetrievedItem{}, nil
	}

	queryVec, err := e.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVec) != snap.Dimensions {
		return nil, fmt.Errorf("query embedding dimension %d does not match index dimension %d", len(queryVec), snap.Dimensions)
	}

	type scored struct {
		rec   *index.Record
		score float64
	}

	candidates := make([]scored, 0, len(snap.Records))
	for i := range snap.Records {
		rec := &snap.Records[i]
		if !matches(rec, filters) {
			continue
		}
		score, err := embedding.CosineSimilarity(queryVec, rec.Vector)
		if err != nil {
			return nil, fmt.Errorf("score %s: %w", rec.ID, err)
		}
		candidates = append(candidates, scored{rec: rec, score: score})
	}

	// Sort strictly on score first. Feeding the epsilon window straight
	// into the comparator would make near-tie relations non-transitive,
	// so tied groups are re-ordered in a second pass instead.
	byTieKeys := func(a, b scored) bool {
		if !a.rec.Date.Equal(b.rec.Date) {
			return a.rec.Date.After(b.rec.Date)
		}
		return a.rec.Seq < b.rec.Seq
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return byTieKeys(candidates[i], candidates[j])
	})
	for lo := 0; lo < len(candidates); {
		hi := lo + 1
		for hi < len(candidates) && candidates[lo].score-candidates[hi].score <= scoreEpsilon {
			hi++
		}
		if hi-lo > 1 {
			group := candidates[lo:hi]
			sort.Slice(group, func(i, j int) bool { return byTieKeys(group[i], group[j]) })
		}
		lo = hi
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]RetrievedItem, len(candidates))
	for i, c := range candidates {
		out[i] = RetrievedItem{
			ID:       c.rec.ID,
			Score:    c.score,
			Snippet:  c.rec.Snippet,
			Date:     c.rec.Date,
			Merchant: c.rec.Merchant,
			Amount:   c.rec.Amount,
			Category: c.rec.Category,
		}
	}
	return out, nil
}

func matches(rec *index.Record, f Filters) bool {
	if f.Category != "" && !strings.EqualFold(rec.Category, f.Category) {
		return false
	}
	if !f.DateFrom.IsZero() && rec.Date.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && rec.Date.After(f.DateTo) {
		return false
	}
	return true
}
