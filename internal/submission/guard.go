// Package submission accepts participant submissions under the assessment's
// submission policy and grades them.
package submission

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

// ErrAlreadySubmitted is returned when the policy forbids another attempt.
var ErrAlreadySubmitted = store.ErrAlreadySubmitted

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "courseai",
	Subsystem: "submissions",
	Name:      "total",
	Help:      "Number of submission attempts by assessment kind and outcome",
}, []string{"kind", "outcome"})

// Inserter stores a submission atomically.
type Inserter interface {
	InsertSubmission(ctx context.Context, sub model.Submission, firstOnly bool) (model.Submission, error)
}

// Guard decides whether a submission may be accepted. The check and the
// write are one store operation, so concurrent attempts by the same
// participant cannot both pass.
type Guard struct {
	store Inserter
}

func NewGuard(s Inserter) *Guard {
	return &Guard{store: s}
}

// TryAccept stores the submission if the assessment's policy allows it.
// Single-policy assessments, and exercises with retries disabled, accept one
// attempt per participant; retryable exercises accept every attempt and
// number them from 0. A non-nil result is stored with the submission.
func (g *Guard) TryAccept(ctx context.Context, a model.Assessment, participantID string, p model.Payload, result *model.GradingResult) (model.Submission, error) {
	sub := model.Submission{
		AssessmentID:  a.ID,
		ParticipantID: participantID,
		Payload:       p,
	}
	if result != nil {
		applyResult(&sub, a, *result)
	}

	firstOnly := a.Policy() == model.PolicySingle || !a.RetryAllowed
	sub, err := g.store.InsertSubmission(ctx, sub, firstOnly)
	switch {
	case errors.Is(err, ErrAlreadySubmitted):
		submissions.WithLabelValues(string(a.Kind), "rejected").Inc()
	case err == nil:
		submissions.WithLabelValues(string(a.Kind), "accepted").Inc()
	}
	return sub, err
}

func applyResult(sub *model.Submission, a model.Assessment, r model.GradingResult) {
	score := r.Score
	sub.Score = &score
	sub.Passed = passed(a, r.Score)
	sub.Feedback = r.Feedback
	sub.NeedsReview = r.NeedsReview
	sub.Breakdown = r.Breakdown
}

// passed is set for exercises only.
func passed(a model.Assessment, score float64) *bool {
	if a.Kind != model.AssessmentExercise {
		return nil
	}
	ok := score >= a.PassScore
	return &ok
}
