// Package grading scores submissions. Objective questions are compared with
// the reference answer; free-text answers and reports go to the language
// model, with a flagged fallback score when the model cannot be used.
package grading

import (
	"slices"
	"strings"
	"unicode"

	"github.com/pavelanni/courseai/internal/model"
)

// AutoGrader grades objective questions by comparison. It is pure: the same
// question and answer always produce the same score.
type AutoGrader struct{}

// GradeObjective scores one objective question. Questions of other types
// score zero and are flagged for review.
func (AutoGrader) GradeObjective(q model.Question, answer string) model.CriterionScore {
	cs := model.CriterionScore{Key: model.QuestionKey(q.ID), MaxScore: q.Score}
	if !q.Type.Objective() {
		cs.NeedsReview = true
		cs.Feedback = "Not an objective question."
		return cs
	}
	if strings.TrimSpace(q.CorrectAnswer) == "" {
		cs.NeedsReview = true
		cs.Feedback = "No reference answer configured."
		return cs
	}

	var correct bool
	switch q.Type {
	case model.QuestionSingleChoice:
		correct = strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.CorrectAnswer))
	case model.QuestionMultipleChoice:
		got, want := choiceSet(answer), choiceSet(q.CorrectAnswer)
		correct = len(got) > 0 && slices.Equal(got, want)
	case model.QuestionTrueFalse:
		got, okGot := parseBool(answer)
		want, okWant := parseBool(q.CorrectAnswer)
		correct = okGot && okWant && got == want
	}

	cs.Correct = &correct
	if correct {
		cs.Score = q.Score
		cs.Feedback = "Correct."
	} else {
		cs.Feedback = "Incorrect. Correct answer: " + q.CorrectAnswer
	}
	return cs
}

// choiceSet turns "A, c", "A C" or "AC" into the sorted set [A C].
func choiceSet(s string) []string {
	s = strings.ToUpper(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",;，；、/", r)
	})
	if len(fields) == 1 && isLetters(fields[0]) {
		fields = strings.Split(fields[0], "")
	}
	slices.Sort(fields)
	return slices.Compact(fields)
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return s != ""
}

var boolWords = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true, "对": true, "正确": true, "√": true,
	"false": false, "f": false, "no": false, "n": false, "0": false, "错": false, "错误": false, "×": false,
}

func parseBool(s string) (value, ok bool) {
	value, ok = boolWords[strings.ToLower(strings.TrimSpace(s))]
	return value, ok
}
