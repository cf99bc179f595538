package store

import (
	"context"
	"time"
)

// CachedInsight is one persisted insight answer keyed by its analytic question.
type CachedInsight struct {
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SaveInsights upserts a batch of generated insights.
func (s *Store) SaveInsights(ctx context.Context, insights []CachedInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, in := range insights {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO cached_insights (question, answer, generated_at)
			VALUES (?, ?, ?)`,
			in.Question, in.Answer, in.GeneratedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadInsights reads all persisted insights.
func (s *Store) LoadInsights(ctx context.Context) ([]CachedInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT question, answer, generated_at FROM cached_insights`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedInsight
	for rows.Next() {
		var in CachedInsight
		var generatedAt string
		if err := rows.Scan(&in.Question, &in.Answer, &generatedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, generatedAt); err == nil {
			in.GeneratedAt = t
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ClearInsights deletes all persisted insights and returns how many were removed.
func (s *Store) ClearInsights(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_insights`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
