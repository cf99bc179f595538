// Package eval scores answer quality with an LLM judge and runs the
// regression test suite over the query pipeline. Judge scores are nullable:
// a metric the judge could not produce is nil, never zero, and null scores
// are excluded from every average.
package eval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ledgerlens/internal/llm"
)

// Generator is the judge's model handle. *llm.Factory satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*llm.Result, error)
}

// Judge scores one aspect of a question/answer/context triple at a time.
type Judge struct {
	gen Generator
	log *zap.Logger
}

// NewJudge creates a judge over the given generator.
func NewJudge(gen Generator, log *zap.Logger) *Judge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Judge{gen: gen, log: log}
}

var scorePattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// extractScore pulls the first numeric token out of a judge reply and
// clamps it to [0, 1]. No number at all is a malformed judgment.
func extractScore(reply string) (float64, error) {
	match := scorePattern.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("no numeric score in judge reply: %q", truncateReply(reply))
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", match, err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func truncateReply(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// score runs one judge prompt and parses the numeric verdict.
func (j *Judge) score(ctx context.Context, prompt string) (float64, error) {
	result, err := j.gen.Generate(ctx, prompt)
	if err != nil {
		return 0, err
	}
	return extractScore(result.Text)
}

// Faithfulness: is every claim in the answer supported by the context?
func (j *Judge) Faithfulness(ctx context.Context, question, answer string, contexts []string) (float64, error) {
	return j.score(ctx, fmt.Sprintf(`Rate how faithful the answer is to the provided context.
1.0 = every claim is directly supported by the context.
0.7 = mostly supported, minor unsupported details.
0.5 = mix of supported and unsupported claims.
0.0 = the answer contradicts the context or invents facts.

Context:
%s

Question: %s

Answer: %s

Reply with only the score as a number.`, joinContexts(contexts), question, answer))
}

// CalculationAccuracy: are the sums, averages and counts in the answer
// arithmetically correct against the context numbers?
func (j *Judge) CalculationAccuracy(ctx context.Context, question, answer string, contexts []string) (float64, error) {
	return j.score(ctx, fmt.Sprintf(`Check the arithmetic in the answer against the transaction amounts in the context.
1.0 = all calculations are correct.
0.5 = partially correct, some figures off.
0.0 = the calculations are wrong or unsupported by the context.
If the answer contains no calculations, score 1.0.

Context:
%s

Question: %s

Answer: %s

Reply with only the score as a number.`, joinContexts(contexts), question, answer))
}

// AnswerRelevancy: does the answer actually address the question?
func (j *Judge) AnswerRelevancy(ctx context.Context, question, answer string) (float64, error) {
	return j.score(ctx, fmt.Sprintf(`Rate how directly the answer addresses the question.
1.0 = fully addresses the question.
0.7 = addresses it with noticeable digressions or gaps.
0.5 = partially relevant.
0.0 = does not address the question.

Question: %s

Answer: %s

Reply with only the score as a number.`, question, answer))
}

// ContextPrecision: how much of the retrieved context is relevant to the
// question?
func (j *Judge) ContextPrecision(ctx context.Context, question string, contexts []string) (float64, error) {
	return j.score(ctx, fmt.Sprintf(`Rate what fraction of the retrieved context is relevant to answering the question.
1.0 = everything retrieved is relevant.
0.5 = about half is relevant.
0.0 = nothing retrieved is relevant.

Question: %s

Retrieved context:
%s

Reply with only the score as a number.`, question, joinContexts(contexts)))
}

// ContextRecall: does the retrieved context cover what the ground-truth
// answer needs? Requires a ground truth.
func (j *Judge) ContextRecall(ctx context.Context, question string, contexts []string, groundTruth string) (float64, error) {
	return j.score(ctx, fmt.Sprintf(`Rate how completely the retrieved context covers the information needed for the reference answer.
1.0 = the context contains everything the reference answer relies on.
0.5 = the context covers about half of it.
0.0 = the context is missing the needed information.

Question: %s

Reference answer: %s

Retrieved context:
%s

Reply with only the score as a number.`, question, groundTruth, joinContexts(contexts)))
}

func joinContexts(contexts []string) string {
	if len(contexts) == 0 {
		return "(empty)"
	}
	return strings.Join(contexts, "\n")
}
