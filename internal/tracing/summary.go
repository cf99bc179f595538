package tracing

import "time"

// TraceSummary is the list form of a closed trace.
type TraceSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StartTime     time.Time `json:"start_time"`
	DurationMs    float64   `json:"duration_ms"`
	Status        Status    `json:"status"`
	InputSummary  string    `json:"input_summary,omitempty"`
	OutputSummary string    `json:"output_summary,omitempty"`
	SpanCount     int       `json:"span_count"`
	LLMSpans      int       `json:"llm_spans"`
	TotalTokens   int       `json:"total_tokens"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
}

// Stats are global recorder rollups.
type Stats struct {
	TotalTraces      int64   `json:"total_traces"`
	TotalLLMCalls    int64   `json:"total_llm_calls"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	RecentTraceCount int     `json:"recent_trace_count"`
	PersistErrors    int64   `json:"persist_errors"`
}

// ProviderUsage summarizes LLM-calling spans of one provider.
type ProviderUsage struct {
	CallCount     int     `json:"call_count"`
	TotalTokens   int     `json:"total_tokens"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// LLMCallsSummary groups LLM span usage by provider across retained traces.
type LLMCallsSummary struct {
	TotalCalls int                      `json:"total_calls"`
	ByProvider map[string]ProviderUsage `json:"by_provider"`
}

// Recent returns up to limit closed traces, newest first.
func (r *Recorder) Recent(limit int) []TraceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.recent) {
		limit = len(r.recent)
	}

	out := make([]TraceSummary, 0, limit)
	for i := len(r.recent) - 1; i >= len(r.recent)-limit; i-- {
		t := r.recent[i]
		s := TraceSummary{
			ID:            t.ID,
			Name:          t.Name,
			StartTime:     t.StartTime,
			DurationMs:    t.DurationMs,
			Status:        t.Status,
			InputSummary:  t.InputSummary,
			OutputSummary: truncate(t.OutputSummary, 100),
			SpanCount:     len(t.Spans),
		}
		for _, sp := range t.Spans {
			if sp.TotalTokens > 0 {
				s.LLMSpans++
				s.TotalTokens += sp.TotalTokens
				s.TotalCostUSD += sp.EstimatedCostUSD
			}
		}
		out = append(out, s)
	}
	return out
}

// Get returns a retained trace by id, or nil.
func (r *Recorder) Get(id string) *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.recent {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Stats returns global rollups across all traces ever recorded.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		TotalTraces:      r.totalTraces,
		TotalLLMCalls:    r.totalLLMCalls,
		TotalTokens:      r.totalTokens,
		TotalCostUSD:     r.totalCostUSD,
		RecentTraceCount: len(r.recent),
		PersistErrors:    r.persistErrors,
	}
}

// LLMCalls summarizes LLM-calling spans in the retained traces by provider.
func (r *Recorder) LLMCalls() LLMCallsSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := LLMCallsSummary{ByProvider: make(map[string]ProviderUsage)}
	durations := make(map[string][]float64)

	for _, t := range r.recent {
		for _, sp := range t.Spans {
			if sp.TotalTokens == 0 {
				continue
			}
			provider := sp.Provider
			if provider == "" {
				provider = "unknown"
			}
			usage := summary.ByProvider[provider]
			usage.CallCount++
			usage.TotalTokens += sp.TotalTokens
			usage.TotalCostUSD += sp.EstimatedCostUSD
			summary.ByProvider[provider] = usage
			durations[provider] = append(durations[provider], sp.DurationMs)
			summary.TotalCalls++
		}
	}

	for provider, ds := range durations {
		var sum float64
		for _, d := range ds {
			sum += d
		}
		usage := summary.ByProvider[provider]
		usage.AvgDurationMs = sum / float64(len(ds))
		summary.ByProvider[provider] = usage
	}

	return summary
}
