// Package tracing records per-request trace trees for the query pipeline.
// Each top-level query produces exactly one trace; retrieval, context
// assembly and generation each produce one nested span. LLM-calling spans
// additionally carry token counts and an estimated cost.
//
// Retention is bounded: the recorder keeps the newest N closed traces in
// memory and hands every closed trace to an optional Sink for durable
// storage. Sink failures never propagate to the pipeline; they are counted
// for self-diagnosis.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the terminal state of a trace or span.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Span is one timed sub-operation of a trace.
type Span struct {
	ID           string    `json:"id"`
	TraceID      string    `json:"trace_id"`
	Name         string    `json:"name"`
	Type         string    `json:"span_type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	DurationMs   float64   `json:"duration_ms"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// LLM fields, set only on generation spans.
	Model            string  `json:"model,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	InputTokens      int     `json:"input_tokens,omitempty"`
	OutputTokens     int     `json:"output_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`

	trace *Trace
}

// Trace is one end-to-end request timeline.
type Trace struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationMs    float64   `json:"duration_ms"`
	Status        Status    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	InputSummary  string    `json:"input_summary,omitempty"`
	OutputSummary string    `json:"output_summary,omitempty"`
	Spans         []*Span   `json:"spans"`

	mu       sync.Mutex
	recorder *Recorder
}

// Sink receives every closed trace for durable storage.
type Sink interface {
	SaveTrace(ctx context.Context, t *Trace) error
}

// Recorder holds the bounded in-memory trace ring and aggregate rollups.
type Recorder struct {
	mu            sync.Mutex
	recent        []*Trace
	maxRecent     int
	totalTraces   int64
	totalLLMCalls int64
	totalTokens   int64
	totalCostUSD  float64
	persistErrors int64

	sink Sink
	log  *zap.Logger
	now  func() time.Time
}

// NewRecorder creates a recorder retaining the newest maxRecent traces.
// sink may be nil for in-memory-only operation.
func NewRecorder(maxRecent int, sink Sink, log *zap.Logger) *Recorder {
	if maxRecent <= 0 {
		maxRecent = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		maxRecent: maxRecent,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// StartTrace opens a new trace. Close it with End.
func (r *Recorder) StartTrace(name, inputSummary string) *Trace {
	return &Trace{
		ID:           uuid.NewString(),
		Name:         name,
		StartTime:    r.now(),
		Status:       StatusRunning,
		InputSummary: truncate(inputSummary, 500),
		recorder:     r,
	}
}

// StartSpan opens a nested span on the trace. Close it with End.
func (t *Trace) StartSpan(name, spanType string) *Span {
	sp := &Span{
		ID:        uuid.NewString(),
		TraceID:   t.ID,
		Name:      name,
		Type:      spanType,
		StartTime: t.recorder.now(),
		Status:    StatusRunning,
		trace:     t,
	}
	t.mu.Lock()
	t.Spans = append(t.Spans, sp)
	t.mu.Unlock()
	return sp
}

// RecordLLMCall attaches provider, model, token counts and an estimated
// cost to the span. Call before End.
func (sp *Span) RecordLLMCall(provider, model string, inputTokens, outputTokens int) {
	sp.Provider = provider
	sp.Model = model
	sp.InputTokens = inputTokens
	sp.OutputTokens = outputTokens
	sp.TotalTokens = inputTokens + outputTokens
	sp.EstimatedCostUSD = EstimateCost(provider, model, inputTokens, outputTokens)
}

// End closes the span. A nil err means success.
func (sp *Span) End(err error) {
	sp.EndTime = sp.trace.recorder.now()
	sp.DurationMs = float64(sp.EndTime.Sub(sp.StartTime)) / float64(time.Millisecond)
	if err != nil {
		sp.Status = StatusError
		sp.ErrorMessage = err.Error()
	} else {
		sp.Status = StatusSuccess
	}
}

// End closes the trace, computes rollups and publishes it to the recorder.
// Trace duration is wall-clock end minus start, not the sum of span
// durations (spans may overlap).
func (t *Trace) End(status Status, outputSummary string, err error) {
	t.EndTime = t.recorder.now()
	t.DurationMs = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	t.Status = status
	t.OutputSummary = truncate(outputSummary, 500)
	if err != nil {
		t.ErrorMessage = err.Error()
	}

	t.recorder.publish(t)
}

func (r *Recorder) publish(t *Trace) {
	var llmCalls, tokens int
	var cost float64
	for _, sp := range t.Spans {
		if sp.TotalTokens > 0 {
			llmCalls++
			tokens += sp.TotalTokens
			cost += sp.EstimatedCostUSD
		}
	}

	r.mu.Lock()
	r.recent = append(r.recent, t)
	if len(r.recent) > r.maxRecent {
		r.recent = r.recent[len(r.recent)-r.maxRecent:]
	}
	r.totalTraces++
	r.totalLLMCalls += int64(llmCalls)
	r.totalTokens += int64(tokens)
	r.totalCostUSD += cost
	r.mu.Unlock()

	if r.sink == nil {
		return
	}

	// Best-effort persistence: a failing sink must never abort the
	// pipeline, but it is counted as an internal error.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.SaveTrace(ctx, t); err != nil {
		r.mu.Lock()
		r.persistErrors++
		r.mu.Unlock()
		r.log.Warn("trace persistence failed", zap.String("trace_id", t.ID), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
