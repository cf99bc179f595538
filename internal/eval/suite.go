package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// maxRunHistory bounds retained suite runs.
const maxRunHistory = 10

// ErrSuiteTimeout means the run exceeded its deadline. Partial results are
// discarded: a truncated run would report a misleading pass rate.
var ErrSuiteTimeout = errors.New("test suite run timed out")

// TestCase is one regression case. Threshold pointers are per-metric
// minimums; a nil threshold means the metric is informational for this case.
type TestCase struct {
	ID          string `yaml:"id" json:"id"`
	Question    string `yaml:"question" json:"question"`
	GroundTruth string `yaml:"ground_truth" json:"ground_truth,omitempty"`

	MinFaithfulness        *float64 `yaml:"min_faithfulness" json:"min_faithfulness,omitempty"`
	MinCalculationAccuracy *float64 `yaml:"min_calculation_accuracy" json:"min_calculation_accuracy,omitempty"`
	MinAnswerRelevancy     *float64 `yaml:"min_answer_relevancy" json:"min_answer_relevancy,omitempty"`
	MinContextPrecision    *float64 `yaml:"min_context_precision" json:"min_context_precision,omitempty"`
	MinContextRecall       *float64 `yaml:"min_context_recall" json:"min_context_recall,omitempty"`
}

// TestResult is the outcome of one case within a run.
type TestResult struct {
	CaseID        string  `json:"case_id"`
	Question      string  `json:"question"`
	Answer        string  `json:"answer,omitempty"`
	Passed        bool    `json:"passed"`
	FailureReason string  `json:"failure_reason,omitempty"`
	Scores        Scores  `json:"scores"`
	DurationMs    float64 `json:"duration_ms"`
	Error         string  `json:"error,omitempty"`
}

// SuiteResult is one completed run.
type SuiteResult struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs float64      `json:"duration_ms"`
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	PassRate   float64      `json:"pass_rate"`
	Results    []TestResult `json:"results"`
}

// QueryRunner executes the pipeline for a suite question and returns the
// answer plus the context lines the generator saw.
type QueryRunner func(ctx context.Context, question string) (answer string, contexts []string, err error)

// Suite runs the regression cases through the pipeline and the harness.
type Suite struct {
	harness     *Harness
	runQuery    QueryRunner
	cases       []TestCase
	concurrency int
	timeout     time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	runs []SuiteResult
}

// NewSuite creates a suite over the given cases. Zero concurrency means 2;
// zero timeout means 15 minutes.
func NewSuite(harness *Harness, runQuery QueryRunner, cases []TestCase, concurrency int, timeout time.Duration, log *zap.Logger) *Suite {
	if concurrency <= 0 {
		concurrency = 2
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Suite{
		harness:     harness,
		runQuery:    runQuery,
		cases:       cases,
		concurrency: concurrency,
		timeout:     timeout,
		log:         log,
	}
}

// Cases returns the configured test cases.
func (s *Suite) Cases() []TestCase {
	return s.cases
}

// Run executes the selected cases (all of them when ids is empty) with
// bounded concurrency. When the deadline expires the whole run is discarded
// and ErrSuiteTimeout returned.
func (s *Suite) Run(ctx context.Context, ids []string) (*SuiteResult, error) {
	selected := s.selectCases(ids)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no matching test cases")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	results := make([]TestResult, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, tc := range selected {
		i, tc := i, tc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.runCase(gctx, tc)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrSuiteTimeout
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ErrSuiteTimeout
	}

	run := SuiteResult{
		RunID:      uuid.NewString(),
		StartedAt:  start,
		DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
		Total:      len(results),
		Results:    results,
	}
	for _, r := range results {
		if r.Passed {
			run.Passed++
		} else {
			run.Failed++
		}
	}
	run.PassRate = float64(run.Passed) / float64(run.Total)

	s.mu.Lock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxRunHistory {
		s.runs = s.runs[len(s.runs)-maxRunHistory:]
	}
	s.mu.Unlock()

	s.log.Info("test suite run complete",
		zap.String("run_id", run.RunID),
		zap.Int("passed", run.Passed),
		zap.Int("failed", run.Failed))
	return &run, nil
}

func (s *Suite) runCase(ctx context.Context, tc TestCase) TestResult {
	caseStart := time.Now()
	result := TestResult{CaseID: tc.ID, Question: tc.Question}

	answer, contexts, err := s.runQuery(ctx, tc.Question)
	if err != nil {
		result.Error = err.Error()
		result.FailureReason = "query failed"
		result.DurationMs = float64(time.Since(caseStart)) / float64(time.Millisecond)
		return result
	}
	result.Answer = answer

	eval, err := s.harness.Evaluate(ctx, Sample{
		Question:    tc.Question,
		Answer:      answer,
		Contexts:    contexts,
		GroundTruth: tc.GroundTruth,
	})
	if err != nil {
		result.Error = err.Error()
		result.FailureReason = "evaluation failed"
		result.DurationMs = float64(time.Since(caseStart)) / float64(time.Millisecond)
		return result
	}
	result.Scores = eval.Scores

	// A case passes when every thresholded metric that produced a score
	// meets its minimum. Null scores neither pass nor fail a threshold.
	var failing []string
	check := func(name string, score, min *float64) {
		if min == nil || score == nil {
			return
		}
		if *score < *min {
			failing = append(failing, fmt.Sprintf("%s %.2f < %.2f", name, *score, *min))
		}
	}
	check("faithfulness", eval.Scores.Faithfulness, tc.MinFaithfulness)
	check("calculation_accuracy", eval.Scores.CalculationAccuracy, tc.MinCalculationAccuracy)
	check("answer_relevancy", eval.Scores.AnswerRelevancy, tc.MinAnswerRelevancy)
	check("context_precision", eval.Scores.ContextPrecision, tc.MinContextPrecision)
	check("context_recall", eval.Scores.ContextRecall, tc.MinContextRecall)

	result.Passed = len(failing) == 0
	if !result.Passed {
		result.FailureReason = strings.Join(failing, "; ")
	}
	result.DurationMs = float64(time.Since(caseStart)) / float64(time.Millisecond)
	return result
}

func (s *Suite) selectCases(ids []string) []TestCase {
	if len(ids) == 0 {
		return s.cases
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []TestCase
	for _, tc := range s.cases {
		if want[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}

// RunHistory returns retained runs, newest first.
func (s *Suite) RunHistory() []SuiteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SuiteResult, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
	}
	return out
}

// LoadCases reads test cases from a YAML file. An empty path yields the
// built-in default suite.
func LoadCases(path string) ([]TestCase, error) {
	if path == "" {
		return DefaultCases(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test suite %s: %w", path, err)
	}

	var doc struct {
		Cases []TestCase `yaml:"cases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse test suite %s: %w", path, err)
	}
	if len(doc.Cases) == 0 {
		return nil, fmt.Errorf("test suite %s defines no cases", path)
	}
	for i, tc := range doc.Cases {
		if tc.ID == "" {
			return nil, fmt.Errorf("test suite %s: case %d has no id", path, i)
		}
		if tc.Question == "" {
			return nil, fmt.Errorf("test suite %s: case %q has no question", path, tc.ID)
		}
	}
	return doc.Cases, nil
}

func threshold(v float64) *float64 { return &v }

// DefaultCases is the built-in regression suite.
func DefaultCases() []TestCase {
	return []TestCase{
		{
			ID:                     "total-groceries",
			Question:               "How much did I spend on groceries in total?",
			MinFaithfulness:        threshold(0.7),
			MinCalculationAccuracy: threshold(0.7),
			MinAnswerRelevancy:     threshold(0.7),
		},
		{
			ID:                  "largest-transaction",
			Question:            "What was my single largest transaction?",
			MinFaithfulness:     threshold(0.7),
			MinAnswerRelevancy:  threshold(0.7),
			MinContextPrecision: threshold(0.5),
		},
		{
			ID:                 "subscriptions",
			Question:           "Which subscriptions am I paying for every month?",
			MinFaithfulness:    threshold(0.7),
			MinAnswerRelevancy: threshold(0.7),
		},
		{
			ID:                 "recent-dining",
			Question:           "How much have I spent on dining out recently?",
			MinFaithfulness:    threshold(0.5),
			MinAnswerRelevancy: threshold(0.7),
		},
		{
			ID:                     "category-breakdown",
			Question:               "Break down my spending by category.",
			MinFaithfulness:        threshold(0.7),
			MinCalculationAccuracy: threshold(0.5),
			MinAnswerRelevancy:     threshold(0.7),
		},
	}
}
