package grading

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pavelanni/courseai/internal/llm"
	"github.com/pavelanni/courseai/internal/model"
)

type completerFunc func(ctx context.Context, turns []model.ConversationTurn) (string, error)

func (f completerFunc) Complete(ctx context.Context, turns []model.ConversationTurn) (string, error) {
	return f(ctx, turns)
}

func reply(text string, err error) (completerFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context, []model.ConversationTurn) (string, error) {
		calls.Add(1)
		return text, err
	}, &calls
}

func newTestGrader(t *testing.T, c Completer) *Grader {
	t.Helper()
	g, err := NewGrader(c, 2)
	if err != nil {
		t.Fatalf("NewGrader: %v", err)
	}
	return g
}

func TestGradeObjective(t *testing.T) {
	single := model.Question{ID: 1, Type: model.QuestionSingleChoice, CorrectAnswer: "B", Score: 5}
	multi := model.Question{ID: 2, Type: model.QuestionMultipleChoice, CorrectAnswer: "A,C", Score: 4}
	tf := model.Question{ID: 3, Type: model.QuestionTrueFalse, CorrectAnswer: "true", Score: 2}
	tfZh := model.Question{ID: 4, Type: model.QuestionTrueFalse, CorrectAnswer: "错", Score: 2}

	tests := []struct {
		name   string
		q      model.Question
		answer string
		want   float64
	}{
		{"single exact", single, "B", 5},
		{"single case and space", single, "  b ", 5},
		{"single wrong", single, "A", 0},
		{"single empty", single, "", 0},
		{"multi comma", multi, "A,C", 4},
		{"multi reordered with spaces", multi, "c a", 4},
		{"multi packed", multi, "CA", 4},
		{"multi duplicates", multi, "A, A, C", 4},
		{"multi subset", multi, "A", 0},
		{"multi superset", multi, "A,B,C", 0},
		{"multi empty", multi, "", 0},
		{"tf true", tf, "TRUE", 2},
		{"tf yes", tf, "yes", 2},
		{"tf chinese", tf, "正确", 2},
		{"tf wrong", tf, "false", 0},
		{"tf garbage", tf, "maybe", 0},
		{"tf chinese false", tfZh, "false", 2},
		{"tf chinese false short", tfZh, "F", 2},
	}
	var auto AutoGrader
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := auto.GradeObjective(tt.q, tt.answer)
			if cs.Score != tt.want {
				t.Errorf("score = %v, want %v", cs.Score, tt.want)
			}
			if cs.Correct == nil || *cs.Correct != (tt.want > 0) {
				t.Errorf("correct = %v", cs.Correct)
			}
			if cs.MaxScore != tt.q.Score || cs.Key != model.QuestionKey(tt.q.ID) {
				t.Errorf("criterion = %+v", cs)
			}
		})
	}
}

func TestGradeObjectiveNeedsReview(t *testing.T) {
	var auto AutoGrader
	for _, q := range []model.Question{
		{ID: 1, Type: model.QuestionShortAnswer, Score: 5},
		{ID: 2, Type: model.QuestionSingleChoice, Score: 5},
	} {
		cs := auto.GradeObjective(q, "A")
		if !cs.NeedsReview || cs.Score != 0 || cs.Correct != nil {
			t.Errorf("GradeObjective(%s without reference) = %+v", q.Type, cs)
		}
	}
}

var objectiveSet = []model.Question{
	{ID: 10, Type: model.QuestionSingleChoice, CorrectAnswer: "A", Score: 10},
	{ID: 11, Type: model.QuestionMultipleChoice, CorrectAnswer: "B,D", Score: 20},
	{ID: 12, Type: model.QuestionTrueFalse, CorrectAnswer: "false", Score: 5},
}

func TestGradeObjectiveOnlyIsDeterministic(t *testing.T) {
	c, calls := reply("", errors.New("must not be called"))
	g := newTestGrader(t, c)
	p := model.Payload{Answers: map[string]string{"10": "a", "11": "D B", "12": "true"}}

	first := g.Grade(context.Background(), p, objectiveSet)
	for range 5 {
		again := g.Grade(context.Background(), p, objectiveSet)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("grading differs between runs:\n%+v\n%+v", first, again)
		}
	}
	if first.Score != 30 || first.MaxScore != 35 || first.NeedsReview {
		t.Errorf("result = %+v, want 30/35 without review", first)
	}
	if first.Feedback != "2 of 3 objective answers correct." {
		t.Errorf("feedback = %q", first.Feedback)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("model called %d times for objective questions", n)
	}
	if NeedsModel(model.Assessment{Kind: model.AssessmentExam}, objectiveSet) {
		t.Error("objective-only exam should not need the model")
	}
}

func TestGradeShortAnswer(t *testing.T) {
	questions := append(slices.Clone(objectiveSet), model.Question{
		ID: 13, Type: model.QuestionShortAnswer, Content: "Explain channels.", CorrectAnswer: "Typed conduits.", Score: 10,
	})

	tests := []struct {
		name       string
		text       string
		err        error
		answer     string
		wantScore  float64
		wantReview bool
		wantCalls  int32
	}{
		{
			name:      "graded",
			text:      "```json\n{\"score\": 7.5, \"feedback\": \"Good.\", \"keyPoints\": [\"typed\"], \"missedPoints\": [\"blocking\"]}\n```",
			answer:    "Channels are typed conduits.",
			wantScore: 7.5,
			wantCalls: 1,
		},
		{
			name:      "clamped",
			text:      `{"score": 42}`,
			answer:    "Channels.",
			wantScore: 10,
			wantCalls: 1,
		},
		{
			name:       "upstream timeout",
			err:        &llm.UpstreamError{Kind: llm.Timeout},
			answer:     "Channels.",
			wantScore:  6,
			wantReview: true,
			wantCalls:  1,
		},
		{
			name:       "unparseable",
			text:       "I think it deserves a 7.",
			answer:     "Channels.",
			wantScore:  6,
			wantReview: true,
			wantCalls:  1,
		},
		{
			name:       "schema mismatch",
			text:       `{"score": "seven"}`,
			answer:     "Channels.",
			wantScore:  6,
			wantReview: true,
			wantCalls:  1,
		},
		{
			name:      "empty answer",
			answer:    "   ",
			wantScore: 0,
			wantCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, calls := reply(tt.text, tt.err)
			g := newTestGrader(t, c)
			p := model.Payload{Answers: map[string]string{"10": "A", "11": "B,D", "12": "false", "13": tt.answer}}

			res := g.Grade(context.Background(), p, questions)
			free := res.Breakdown[3]
			if free.Score != tt.wantScore || free.NeedsReview != tt.wantReview {
				t.Errorf("short answer = %+v, want score %v review %v", free, tt.wantScore, tt.wantReview)
			}
			if res.Score != 35+tt.wantScore || res.MaxScore != 45 {
				t.Errorf("total = %v/%v", res.Score, res.MaxScore)
			}
			if res.NeedsReview != tt.wantReview {
				t.Errorf("result NeedsReview = %v", res.NeedsReview)
			}
			if n := calls.Load(); n != tt.wantCalls {
				t.Errorf("model called %d times, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestGradeShortAnswerFeedback(t *testing.T) {
	c, _ := reply(`{"score": 5, "feedback": "Partly right.", "keyPoints": ["a"], "missedPoints": ["b", "c"]}`, nil)
	g := newTestGrader(t, c)
	q := model.Question{ID: 1, Type: model.QuestionShortAnswer, Content: "Q", Score: 10}
	res := g.Grade(context.Background(), model.Payload{Answers: map[string]string{"1": "answer"}}, []model.Question{q})

	want := "Partly right.\nCovered: a\nMissed: b; c"
	if res.Breakdown[0].Feedback != want {
		t.Errorf("feedback = %q, want %q", res.Breakdown[0].Feedback, want)
	}
}

func TestGradeWithoutModel(t *testing.T) {
	g := newTestGrader(t, nil)
	q := model.Question{ID: 1, Type: model.QuestionShortAnswer, Content: "Q", Score: 5}
	res := g.Grade(context.Background(), model.Payload{Answers: map[string]string{"1": "answer"}}, []model.Question{q})
	if res.Score != 3 || !res.NeedsReview {
		t.Errorf("result = %+v, want fallback 3 with review", res)
	}
}

func TestReviewReport(t *testing.T) {
	exam := model.Assessment{ID: 7, Kind: model.AssessmentReport, Title: "Concurrency essay", TotalScore: 100}
	c, _ := reply(`Here is my review: {"relevance": 20, "structure": 30, "knowledge": 12.5, "language": -3, "totalScore": 59.5, "feedback": "Solid start.", "suggestions": ["cite sources"]}`, nil)
	g := newTestGrader(t, c)

	res := g.GradeSubmission(context.Background(), exam, nil, model.Payload{Content: "My essay about goroutines."})
	want := map[string]float64{CriterionRelevance: 20, CriterionStructure: 25, CriterionKnowledge: 12.5, CriterionLanguage: 0}
	if len(res.Breakdown) != 4 {
		t.Fatalf("breakdown has %d criteria", len(res.Breakdown))
	}
	for _, cs := range res.Breakdown {
		if cs.Score != want[cs.Key] || cs.MaxScore != 25 {
			t.Errorf("criterion %s = %v/%v, want %v/25", cs.Key, cs.Score, cs.MaxScore, want[cs.Key])
		}
	}
	if res.Score != 57.5 || res.MaxScore != 100 || res.NeedsReview {
		t.Errorf("result = %v/%v review %v", res.Score, res.MaxScore, res.NeedsReview)
	}
	if !strings.Contains(res.Feedback, "Solid start.") || !strings.Contains(res.Feedback, "cite sources") {
		t.Errorf("feedback = %q", res.Feedback)
	}
}

func TestReviewReportFallback(t *testing.T) {
	tests := []struct {
		total     float64
		wantScore float64
		wantParts map[string]float64
	}{
		{100, 70, map[string]float64{CriterionRelevance: 18, CriterionStructure: 17, CriterionKnowledge: 18, CriterionLanguage: 17}},
		{50, 35, map[string]float64{CriterionRelevance: 9, CriterionStructure: 8.5, CriterionKnowledge: 9, CriterionLanguage: 8.5}},
	}
	for _, tt := range tests {
		c, _ := reply("", &llm.UpstreamError{Kind: llm.Unavailable})
		g := newTestGrader(t, c)
		a := model.Assessment{Kind: model.AssessmentReport, Title: "Essay", TotalScore: tt.total}

		res := g.ReviewReport(context.Background(), a, "Some report.")
		if res.Score != tt.wantScore || !res.NeedsReview {
			t.Errorf("total %v: result = %v review %v", tt.total, res.Score, res.NeedsReview)
		}
		for _, cs := range res.Breakdown {
			if cs.Score != tt.wantParts[cs.Key] || !cs.NeedsReview {
				t.Errorf("total %v: criterion %s = %+v", tt.total, cs.Key, cs)
			}
		}
	}
}

func TestReviewReportEmpty(t *testing.T) {
	c, calls := reply("", errors.New("must not be called"))
	g := newTestGrader(t, c)
	res := g.ReviewReport(context.Background(), model.Assessment{TotalScore: 40}, "  ")
	if res.Score != 0 || res.MaxScore != 40 || res.NeedsReview || calls.Load() != 0 {
		t.Errorf("empty report = %+v, calls %d", res, calls.Load())
	}
}
