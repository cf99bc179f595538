// Package store provides sqlite persistence for ledgerlens: the transaction
// read-model owned by the ingestion pipeline, the embedding rows backing the
// vector index, cached insights, and closed query traces.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database. Thread-safe with a read-write mutex.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		txn_date TEXT NOT NULL,
		merchant TEXT,
		amount REAL NOT NULL,
		category TEXT,
		description TEXT,
		source_document_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(txn_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(category);

	CREATE TABLE IF NOT EXISTS embeddings (
		id TEXT PRIMARY KEY,
		vector TEXT NOT NULL,
		snippet TEXT NOT NULL,
		txn_date TEXT NOT NULL,
		merchant TEXT,
		amount REAL NOT NULL,
		category TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cached_insights (
		question TEXT PRIMARY KEY,
		answer TEXT NOT NULL,
		generated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		duration_ms REAL,
		status TEXT NOT NULL,
		error_message TEXT,
		input_summary TEXT,
		output_summary TEXT,
		total_tokens INTEGER,
		total_cost_usd REAL
	);

	CREATE INDEX IF NOT EXISTS idx_traces_start ON traces(start_time);

	CREATE TABLE IF NOT EXISTS spans (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		span_type TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		duration_ms REAL,
		status TEXT NOT NULL,
		error_message TEXT,
		model TEXT,
		provider TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		total_tokens INTEGER,
		estimated_cost_usd REAL
	);

	CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Transaction is a row of the read-only transaction store. Ingestion owns
// writes; this core only reads (and seeds test fixtures).
type Transaction struct {
	ID               string    `json:"id"`
	Date             time.Time `json:"date"`
	Merchant         string    `json:"merchant"`
	Amount           float64   `json:"amount"`
	Category         string    `json:"category"`
	Description      string    `json:"description"`
	SourceDocumentID string    `json:"source_document_id"`
}

const dateLayout = "2006-01-02"

// ListTransactions returns all transactions ordered by insertion.
func (s *Store) ListTransactions(ctx context.Context) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, txn_date, merchant, amount, category, description, source_document_id
		FROM transactions ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// RecentTransactions returns up to limit transactions newest-first.
func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, txn_date, merchant, amount, category, description, source_document_id
		FROM transactions ORDER BY txn_date DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var date, merchant, category, description, sourceDoc sql.NullString
		if err := rows.Scan(&t.ID, &date, &merchant, &t.Amount, &category, &description, &sourceDoc); err != nil {
			return nil, err
		}
		if date.Valid {
			if d, err := time.Parse(dateLayout, date.String); err == nil {
				t.Date = d
			}
		}
		t.Merchant = merchant.String
		t.Category = category.String
		t.Description = description.String
		t.SourceDocumentID = sourceDoc.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTransaction inserts a transaction row. Used by fixtures and tests;
// the ingestion pipeline writes through its own path in production.
func (s *Store) InsertTransaction(ctx context.Context, t Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transactions
		(id, txn_date, merchant, amount, category, description, source_document_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Date.Format(dateLayout), t.Merchant, t.Amount, t.Category, t.Description, t.SourceDocumentID)
	return err
}
