package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/courseai/internal/extract"
	"github.com/pavelanni/courseai/internal/llm/prompts"
	"github.com/pavelanni/courseai/internal/model"
)

const (
	// fallbackAnswerShare is the share of an answer's max score given when
	// the model cannot grade it.
	fallbackAnswerShare = 0.6
	fallbackReportShare = 0.7

	manualReviewFeedback = "Automatic grading was unavailable; manual review is required."
)

// Report criteria, each worth a quarter of the total.
const (
	CriterionRelevance = "relevance"
	CriterionStructure = "structure"
	CriterionKnowledge = "knowledge"
	CriterionLanguage  = "language"
)

var reportCriteria = []string{CriterionRelevance, CriterionStructure, CriterionKnowledge, CriterionLanguage}

// fallbackCriterionShare splits the fallback report score of 70% of the
// total across the criteria.
var fallbackCriterionShare = map[string]float64{
	CriterionRelevance: 0.18,
	CriterionStructure: 0.17,
	CriterionKnowledge: 0.18,
	CriterionLanguage:  0.17,
}

var fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "courseai",
	Subsystem: "grading",
	Name:      "fallbacks_total",
	Help:      "Number of AI grading attempts that ended with a fallback score",
}, []string{"target"})

const answerSchema = `{
  "type": "object",
  "required": ["score"],
  "properties": {
    "score": {"type": "number"},
    "feedback": {"type": "string"},
    "keyPoints": {"type": "array", "items": {"type": "string"}},
    "missedPoints": {"type": "array", "items": {"type": "string"}}
  }
}`

const reviewSchema = `{
  "type": "object",
  "required": ["relevance", "structure", "knowledge", "language"],
  "properties": {
    "relevance": {"type": "number"},
    "structure": {"type": "number"},
    "knowledge": {"type": "number"},
    "language": {"type": "number"},
    "totalScore": {"type": "number"},
    "feedback": {"type": "string"},
    "suggestions": {"type": "array", "items": {"type": "string"}}
  }
}`

// Completer is the blocking half of the language-model gateway.
type Completer interface {
	Complete(ctx context.Context, turns []model.ConversationTurn) (string, error)
}

type answerGrade struct {
	Score        float64  `json:"score"`
	Feedback     string   `json:"feedback"`
	KeyPoints    []string `json:"keyPoints"`
	MissedPoints []string `json:"missedPoints"`
}

type reportReview struct {
	Relevance   float64  `json:"relevance"`
	Structure   float64  `json:"structure"`
	Knowledge   float64  `json:"knowledge"`
	Language    float64  `json:"language"`
	Feedback    string   `json:"feedback"`
	Suggestions []string `json:"suggestions"`
}

// Grader combines objective comparison with model-assisted grading.
type Grader struct {
	llm          Completer
	limit        int
	auto         AutoGrader
	answerSchema *jsonschema.Schema
	reviewSchema *jsonschema.Schema
}

// NewGrader creates a grader. c may be nil, in which case every free-text
// item gets the fallback score. concurrency bounds parallel model calls per
// submission.
func NewGrader(c Completer, concurrency int) (*Grader, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	as, err := jsonschema.CompileString("answer-grade.json", answerSchema)
	if err != nil {
		return nil, fmt.Errorf("compile answer schema: %w", err)
	}
	rs, err := jsonschema.CompileString("report-review.json", reviewSchema)
	if err != nil {
		return nil, fmt.Errorf("compile review schema: %w", err)
	}
	return &Grader{llm: c, limit: concurrency, answerSchema: as, reviewSchema: rs}, nil
}

// GradeSubmission grades a payload against an assessment: reports are
// reviewed as a whole, everything else question by question.
func (g *Grader) GradeSubmission(ctx context.Context, a model.Assessment, questions []model.Question, p model.Payload) model.GradingResult {
	if a.Kind == model.AssessmentReport {
		return g.ReviewReport(ctx, a, p.Content)
	}
	return g.Grade(ctx, p, questions)
}

// NeedsModel reports whether grading the assessment calls the model.
func NeedsModel(a model.Assessment, questions []model.Question) bool {
	if a.Kind == model.AssessmentReport {
		return true
	}
	for _, q := range questions {
		if !q.Type.Objective() {
			return true
		}
	}
	return false
}

// Grade scores every question. Objective answers are compared directly;
// short answers are graded by the model concurrently. Grade never fails: an
// item the model cannot grade gets a fallback score and is flagged.
func (g *Grader) Grade(ctx context.Context, p model.Payload, questions []model.Question) model.GradingResult {
	breakdown := make([]model.CriterionScore, len(questions))
	var eg errgroup.Group
	eg.SetLimit(g.limit)
	for i, q := range questions {
		answer := p.Answers[model.QuestionKey(q.ID)]
		if q.Type.Objective() {
			breakdown[i] = g.auto.GradeObjective(q, answer)
			continue
		}
		eg.Go(func() error {
			breakdown[i] = g.gradeAnswer(ctx, q, answer)
			return nil
		})
	}
	eg.Wait()

	res := model.GradingResult{Breakdown: breakdown}
	var correct, objective, review int
	for _, cs := range breakdown {
		res.Score += cs.Score
		res.MaxScore += cs.MaxScore
		if cs.Correct != nil {
			objective++
			if *cs.Correct {
				correct++
			}
		}
		if cs.NeedsReview {
			review++
		}
	}
	res.Score = round2(res.Score)
	res.NeedsReview = review > 0

	var parts []string
	if objective > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d objective answers correct.", correct, objective))
	}
	if review > 0 {
		parts = append(parts, fmt.Sprintf("%d answers need manual review.", review))
	}
	res.Feedback = strings.Join(parts, " ")
	return res
}

func (g *Grader) gradeAnswer(ctx context.Context, q model.Question, answer string) model.CriterionScore {
	cs := model.CriterionScore{Key: model.QuestionKey(q.ID), MaxScore: q.Score}
	if strings.TrimSpace(answer) == "" {
		cs.Feedback = "No answer provided."
		return cs
	}

	var out answerGrade
	err := g.ask(ctx, g.answerSchema, &out, func() (string, error) {
		return prompts.BuildGradeAnswer(prompts.GradeData{
			Question:  q.Content,
			Reference: q.CorrectAnswer,
			Answer:    answer,
			MaxScore:  q.Score,
		})
	})
	if err != nil {
		fallbacks.WithLabelValues("answer").Inc()
		slog.Warn("AI grading failed, using fallback score", "question_id", q.ID, "error", err)
		cs.Score = round2(q.Score * fallbackAnswerShare)
		cs.NeedsReview = true
		cs.Feedback = manualReviewFeedback
		return cs
	}

	cs.Score = round2(clamp(out.Score, q.Score))
	cs.Feedback = answerFeedback(out)
	return cs
}

// ReviewReport scores a report on four criteria, each out of a quarter of
// the assessment's total.
func (g *Grader) ReviewReport(ctx context.Context, a model.Assessment, content string) model.GradingResult {
	total := a.TotalScore
	if total <= 0 {
		total = 100
	}
	per := total / float64(len(reportCriteria))
	res := model.GradingResult{MaxScore: total}

	if strings.TrimSpace(content) == "" {
		for _, c := range reportCriteria {
			res.Breakdown = append(res.Breakdown, model.CriterionScore{Key: c, MaxScore: per})
		}
		res.Feedback = "No report content submitted."
		return res
	}

	var out reportReview
	err := g.ask(ctx, g.reviewSchema, &out, func() (string, error) {
		return prompts.BuildReviewReport(prompts.ReviewData{
			Title:        a.Title,
			Requirements: a.Requirements,
			Content:      content,
			TotalScore:   total,
			CriterionMax: per,
		})
	})
	if err != nil {
		fallbacks.WithLabelValues("report").Inc()
		slog.Warn("AI report review failed, using fallback score", "assessment_id", a.ID, "error", err)
		for _, c := range reportCriteria {
			res.Breakdown = append(res.Breakdown, model.CriterionScore{
				Key:         c,
				Score:       round2(total * fallbackCriterionShare[c]),
				MaxScore:    per,
				NeedsReview: true,
			})
		}
		res.Score = round2(total * fallbackReportShare)
		res.NeedsReview = true
		res.Feedback = manualReviewFeedback
		return res
	}

	scores := map[string]float64{
		CriterionRelevance: out.Relevance,
		CriterionStructure: out.Structure,
		CriterionKnowledge: out.Knowledge,
		CriterionLanguage:  out.Language,
	}
	for _, c := range reportCriteria {
		s := round2(clamp(scores[c], per))
		res.Breakdown = append(res.Breakdown, model.CriterionScore{Key: c, Score: s, MaxScore: per})
		res.Score += s
	}
	res.Score = round2(res.Score)
	res.Feedback = out.Feedback
	if len(out.Suggestions) > 0 {
		res.Feedback = strings.TrimSpace(res.Feedback + "\nSuggestions: " + strings.Join(out.Suggestions, "; "))
	}
	return res
}

// ask renders a prompt, calls the model and decodes a schema-valid JSON
// object from the reply into dst.
func (g *Grader) ask(ctx context.Context, schema *jsonschema.Schema, dst any, build func() (string, error)) error {
	if g.llm == nil {
		return errors.New("no language model configured")
	}
	prompt, err := build()
	if err != nil {
		return err
	}
	raw, err := g.llm.Complete(ctx, []model.ConversationTurn{model.User(prompt)})
	if err != nil {
		return err
	}
	v, err := extract.JSON(raw)
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("grading reply does not match schema: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func answerFeedback(a answerGrade) string {
	fb := strings.TrimSpace(a.Feedback)
	if len(a.KeyPoints) > 0 {
		fb += "\nCovered: " + strings.Join(a.KeyPoints, "; ")
	}
	if len(a.MissedPoints) > 0 {
		fb += "\nMissed: " + strings.Join(a.MissedPoints, "; ")
	}
	return strings.TrimSpace(fb)
}

func clamp(v, hi float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return min(v, hi)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
