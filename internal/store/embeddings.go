package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EmbeddingRow is the persisted form of one indexed transaction. Vectors are
// stored JSON-serialized; similarity math happens in memory against the
// published index snapshot.
type EmbeddingRow struct {
	ID       string
	Vector   []float32
	Snippet  string
	Date     time.Time
	Merchant string
	Amount   float64
	Category string
}

// ReplaceEmbeddings replaces the full embeddings table contents in one
// transaction. Combined with the in-memory snapshot swap this gives readers
// an all-old or all-new view, never a half-written one.
func (s *Store) ReplaceEmbeddings(ctx context.Context, rows []EmbeddingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (id, vector, snippet, txn_date, merchant, amount, category, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		vecJSON, err := json.Marshal(row.Vector)
		if err != nil {
			return fmt.Errorf("serialize vector %s: %w", row.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.ID, string(vecJSON), row.Snippet,
			row.Date.Format(dateLayout), row.Merchant, row.Amount, row.Category); err != nil {
			return fmt.Errorf("insert embedding %s: %w", row.ID, err)
		}
	}

	return tx.Commit()
}

// LoadEmbeddings reads all embedding rows in insertion order.
func (s *Store) LoadEmbeddings(ctx context.Context) ([]EmbeddingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vector, snippet, txn_date, merchant, amount, category
		FROM embeddings ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddingRow
	for rows.Next() {
		var row EmbeddingRow
		var vecJSON, date string
		var merchant, category sql.NullString
		if err := rows.Scan(&row.ID, &vecJSON, &row.Snippet, &date, &merchant, &row.Amount, &category); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vecJSON), &row.Vector); err != nil {
			return nil, fmt.Errorf("deserialize vector %s: %w", row.ID, err)
		}
		if d, err := time.Parse(dateLayout, date); err == nil {
			row.Date = d
		}
		row.Merchant = merchant.String
		row.Category = category.String
		out = append(out, row)
	}
	return out, rows.Err()
}
