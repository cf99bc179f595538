package store

import (
	"context"
	"fmt"
	"time"

	"ledgerlens/internal/tracing"
)

// SaveTrace persists a closed trace and its spans. Implements tracing.Sink.
func (s *Store) SaveTrace(ctx context.Context, t *tracing.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var totalTokens int
	var totalCost float64
	for _, sp := range t.Spans {
		totalTokens += sp.TotalTokens
		totalCost += sp.EstimatedCostUSD
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO traces
		(id, name, start_time, end_time, duration_ms, status, error_message,
		 input_summary, output_summary, total_tokens, total_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name,
		t.StartTime.UTC().Format(time.RFC3339Nano), t.EndTime.UTC().Format(time.RFC3339Nano),
		t.DurationMs, string(t.Status), t.ErrorMessage,
		t.InputSummary, t.OutputSummary, totalTokens, totalCost); err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	for _, sp := range t.Spans {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO spans
			(id, trace_id, name, span_type, start_time, end_time,
			 duration_ms, status, error_message, model, provider,
			 input_tokens, output_tokens, total_tokens, estimated_cost_usd)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.TraceID, sp.Name, sp.Type,
			sp.StartTime.UTC().Format(time.RFC3339Nano), sp.EndTime.UTC().Format(time.RFC3339Nano),
			sp.DurationMs, string(sp.Status), sp.ErrorMessage, sp.Model, sp.Provider,
			sp.InputTokens, sp.OutputTokens, sp.TotalTokens, sp.EstimatedCostUSD); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	return tx.Commit()
}
