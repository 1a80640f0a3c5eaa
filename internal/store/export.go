package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/courseai/internal/model"
)

// ExportAssessment builds export-ready results for every submission of an
// assessment.
func (s *Store) ExportAssessment(ctx context.Context, assessmentID int64) (model.AssessmentExport, error) {
	a, err := s.GetAssessment(ctx, assessmentID)
	if err != nil {
		return model.AssessmentExport{}, fmt.Errorf("get assessment %d: %w", assessmentID, err)
	}
	questions, err := s.ListQuestions(ctx, assessmentID)
	if err != nil {
		return model.AssessmentExport{}, fmt.Errorf("list questions: %w", err)
	}
	subs, err := s.ListSubmissions(ctx, assessmentID)
	if err != nil {
		return model.AssessmentExport{}, fmt.Errorf("list submissions: %w", err)
	}

	results := make([]model.ParticipantResult, 0, len(subs))
	for _, sub := range subs {
		scores := make(map[string]model.CriterionScore, len(sub.Breakdown))
		for _, c := range sub.Breakdown {
			scores[c.Key] = c
		}

		r := model.ParticipantResult{
			ParticipantID: sub.ParticipantID,
			Attempt:       sub.RetryCount + 1,
			SubmittedAt:   sub.SubmittedAt,
			GradedAt:      sub.GradedAt,
			Score:         sub.Score,
			Passed:        sub.Passed,
			NeedsReview:   sub.NeedsReview,
			Feedback:      sub.Feedback,
		}
		if len(questions) == 0 {
			r.Criteria = sub.Breakdown
		}
		for _, q := range questions {
			key := model.QuestionKey(q.ID)
			ar := model.AnswerResult{
				QuestionID:    q.ID,
				Type:          q.Type,
				Content:       q.Content,
				CorrectAnswer: q.CorrectAnswer,
				Answer:        sub.Payload.Answers[key],
				MaxScore:      q.Score,
			}
			if c, ok := scores[key]; ok {
				ar.Score = c.Score
				ar.Feedback = c.Feedback
			}
			r.Answers = append(r.Answers, ar)
		}
		results = append(results, r)
	}

	return model.AssessmentExport{
		Assessment:   a,
		NumQuestions: len(questions),
		Results:      results,
	}, nil
}
