package eval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerlens/internal/metrics"
)

// maxHistory bounds the retained evaluation results.
const maxHistory = 100

// Scores holds the judge verdicts for one evaluation. A nil pointer means
// the judge could not produce that metric; it is not a zero.
type Scores struct {
	Faithfulness        *float64 `json:"faithfulness"`
	CalculationAccuracy *float64 `json:"calculation_accuracy"`
	AnswerRelevancy     *float64 `json:"answer_relevancy"`
	ContextPrecision    *float64 `json:"context_precision"`
	ContextRecall       *float64 `json:"context_recall"`
	Overall             *float64 `json:"overall"`
}

// Sample is one question/answer/context triple to evaluate. GroundTruth is
// optional; without it context recall is skipped.
type Sample struct {
	Question    string   `json:"question"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	ContextIDs  []string `json:"context_ids,omitempty"`
	GroundTruth string   `json:"ground_truth,omitempty"`
}

// Result is one completed evaluation.
type Result struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	ContextIDs  []string  `json:"context_ids,omitempty"`
	Scores      Scores    `json:"scores"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	DurationMs  float64   `json:"duration_ms"`
}

// Aggregate is the null-excluding average over retained results. Each
// average carries the count of results that actually had that metric.
type Aggregate struct {
	Count   int                        `json:"count"`
	Metrics map[string]AggregateMetric `json:"metrics"`
}

// AggregateMetric is one averaged metric.
type AggregateMetric struct {
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// Harness runs the judge over samples and retains a bounded history.
type Harness struct {
	judge     *Judge
	collector *metrics.Collector
	log       *zap.Logger

	mu      sync.Mutex
	history []Result
}

// NewHarness creates an evaluation harness.
func NewHarness(judge *Judge, collector *metrics.Collector, log *zap.Logger) *Harness {
	if log == nil {
		log = zap.NewNop()
	}
	return &Harness{judge: judge, collector: collector, log: log}
}

// Evaluate scores the sample on every applicable metric. A judge failure on
// one metric leaves that score null and continues with the rest; the
// evaluation itself only fails on context cancellation. Overall is the mean
// of the non-null scores, or null when every metric is null.
func (h *Harness) Evaluate(ctx context.Context, sample Sample) (*Result, error) {
	start := time.Now()
	result := &Result{
		ID:          uuid.NewString(),
		Question:    sample.Question,
		Answer:      sample.Answer,
		ContextIDs:  sample.ContextIDs,
		EvaluatedAt: start,
	}

	type metricRun struct {
		name string
		dst  **float64
		run  func(context.Context) (float64, error)
	}

	runs := []metricRun{
		{"faithfulness", &result.Scores.Faithfulness, func(ctx context.Context) (float64, error) {
			return h.judge.Faithfulness(ctx, sample.Question, sample.Answer, sample.Contexts)
		}},
		{"calculation_accuracy", &result.Scores.CalculationAccuracy, func(ctx context.Context) (float64, error) {
			return h.judge.CalculationAccuracy(ctx, sample.Question, sample.Answer, sample.Contexts)
		}},
		{"answer_relevancy", &result.Scores.AnswerRelevancy, func(ctx context.Context) (float64, error) {
			return h.judge.AnswerRelevancy(ctx, sample.Question, sample.Answer)
		}},
		{"context_precision", &result.Scores.ContextPrecision, func(ctx context.Context) (float64, error) {
			return h.judge.ContextPrecision(ctx, sample.Question, sample.Contexts)
		}},
	}
	if sample.GroundTruth != "" {
		runs = append(runs, metricRun{"context_recall", &result.Scores.ContextRecall, func(ctx context.Context) (float64, error) {
			return h.judge.ContextRecall(ctx, sample.Question, sample.Contexts, sample.GroundTruth)
		}})
	}

	for _, mr := range runs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, err := mr.run(ctx)
		if err != nil {
			h.log.Warn("judge metric unavailable",
				zap.String("metric", mr.name), zap.Error(err))
			continue
		}
		s := score
		*mr.dst = &s
	}

	result.Scores.Overall = overall(result.Scores)
	result.DurationMs = float64(time.Since(start)) / float64(time.Millisecond)

	h.mu.Lock()
	h.history = append(h.history, *result)
	if len(h.history) > maxHistory {
		h.history = h.history[len(h.history)-maxHistory:]
	}
	h.mu.Unlock()

	if h.collector != nil {
		h.collector.Record(metrics.FlowEvaluation, time.Since(start), nil)
	}
	return result, nil
}

// overall is the mean of the non-null metric scores, nil when all are null.
func overall(s Scores) *float64 {
	var sum float64
	var n int
	for _, p := range []*float64{s.Faithfulness, s.CalculationAccuracy, s.AnswerRelevancy, s.ContextPrecision, s.ContextRecall} {
		if p != nil {
			sum += *p
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// History returns up to limit retained results, newest first.
func (h *Harness) History(limit int) []Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]Result, 0, limit)
	for i := len(h.history) - 1; i >= len(h.history)-limit; i-- {
		out = append(out, h.history[i])
	}
	return out
}

// ClearHistory drops retained results and returns how many were removed.
func (h *Harness) ClearHistory() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.history)
	h.history = nil
	return n
}

// AggregateScores averages retained results per metric, excluding nulls.
func (h *Harness) AggregateScores() Aggregate {
	h.mu.Lock()
	defer h.mu.Unlock()

	agg := Aggregate{Count: len(h.history), Metrics: make(map[string]AggregateMetric)}
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, r := range h.history {
		for name, p := range map[string]*float64{
			"faithfulness":         r.Scores.Faithfulness,
			"calculation_accuracy": r.Scores.CalculationAccuracy,
			"answer_relevancy":     r.Scores.AnswerRelevancy,
			"context_precision":    r.Scores.ContextPrecision,
			"context_recall":       r.Scores.ContextRecall,
			"overall":              r.Scores.Overall,
		} {
			if p != nil {
				sums[name] += *p
				counts[name]++
			}
		}
	}

	for name, n := range counts {
		agg.Metrics[name] = AggregateMetric{Avg: sums[name] / float64(n), Count: n}
	}
	return agg
}
