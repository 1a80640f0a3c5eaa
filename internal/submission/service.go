package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/pavelanni/courseai/internal/grading"
	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("submission service closed")

// Store is the persistence the service needs.
type Store interface {
	Inserter
	GetAssessment(ctx context.Context, id int64) (model.Assessment, error)
	ListQuestions(ctx context.Context, assessmentID int64) ([]model.Question, error)
	HasSubmitted(ctx context.Context, assessmentID int64, participantID string) (bool, error)
	GetSubmission(ctx context.Context, id int64) (model.Submission, error)
	ListSubmissions(ctx context.Context, assessmentID int64) ([]model.Submission, error)
	ListUngraded(ctx context.Context, limit int) ([]model.Submission, error)
	SetSubmissionScore(ctx context.Context, id int64, result model.GradingResult, passed *bool) error
}

// Service accepts and grades submissions. Submissions that can be graded by
// comparison alone are stored with their score; the rest are stored first
// and graded in the background.
type Service struct {
	store  Store
	guard  *Guard
	grader *grading.Grader
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewService creates a service. maxGrading bounds background gradings in
// flight.
func NewService(s Store, g *grading.Grader, maxGrading int64) *Service {
	if maxGrading <= 0 {
		maxGrading = 4
	}
	return &Service{
		store:  s,
		guard:  NewGuard(s),
		grader: g,
		sem:    semaphore.NewWeighted(maxGrading),
	}
}

// Submit accepts a participant's attempt. It returns ErrAlreadySubmitted
// when the assessment's policy forbids it and store.ErrNotFound for an
// unknown assessment.
func (s *Service) Submit(ctx context.Context, assessmentID int64, participantID string, p model.Payload) (model.Submission, error) {
	if s.closed.Load() {
		return model.Submission{}, ErrClosed
	}
	a, err := s.store.GetAssessment(ctx, assessmentID)
	if err != nil {
		return model.Submission{}, err
	}
	var questions []model.Question
	if a.Kind != model.AssessmentReport {
		if questions, err = s.store.ListQuestions(ctx, a.ID); err != nil {
			return model.Submission{}, fmt.Errorf("load questions: %w", err)
		}
	}

	if !grading.NeedsModel(a, questions) {
		res := s.grader.Grade(ctx, p, questions)
		sub, err := s.guard.TryAccept(ctx, a, participantID, p, &res)
		if err != nil {
			return sub, err
		}
		slog.Info("Submission accepted", "assessment_id", a.ID, "participant", participantID,
			"attempt", sub.RetryCount, "score", res.Score)
		return sub, nil
	}

	sub, err := s.guard.TryAccept(ctx, a, participantID, p, nil)
	if err != nil {
		return sub, err
	}
	slog.Info("Submission accepted, grading in background", "assessment_id", a.ID,
		"participant", participantID, "attempt", sub.RetryCount)
	s.gradeAsync(sub, a, questions)
	return sub, nil
}

// CheckSubmitted reports whether the participant has submitted before.
func (s *Service) CheckSubmitted(ctx context.Context, assessmentID int64, participantID string) (bool, error) {
	return s.store.HasSubmitted(ctx, assessmentID, participantID)
}

// List returns every submission of an assessment.
func (s *Service) List(ctx context.Context, assessmentID int64) ([]model.Submission, error) {
	if _, err := s.store.GetAssessment(ctx, assessmentID); err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, assessmentID)
}

// Get returns one submission.
func (s *Service) Get(ctx context.Context, id int64) (model.Submission, error) {
	return s.store.GetSubmission(ctx, id)
}

// ResumeGrading schedules grading for submissions left ungraded by a
// previous run. It returns the number scheduled.
func (s *Service) ResumeGrading(ctx context.Context) (int, error) {
	subs, err := s.store.ListUngraded(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list ungraded submissions: %w", err)
	}
	cache := make(map[int64]model.Assessment)
	questions := make(map[int64][]model.Question)
	n := 0
	for _, sub := range subs {
		a, ok := cache[sub.AssessmentID]
		if !ok {
			if a, err = s.store.GetAssessment(ctx, sub.AssessmentID); err != nil {
				slog.Error("Resuming grading", "submission_id", sub.ID, "error", err)
				continue
			}
			cache[a.ID] = a
			if a.Kind != model.AssessmentReport {
				if questions[a.ID], err = s.store.ListQuestions(ctx, a.ID); err != nil {
					slog.Error("Resuming grading", "submission_id", sub.ID, "error", err)
					continue
				}
			}
		}
		s.gradeAsync(sub, a, questions[a.ID])
		n++
	}
	if n > 0 {
		slog.Info("Resumed grading", "submissions", n)
	}
	return n, nil
}

// Close stops accepting submissions and waits for background grading to
// finish or ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.closed.Store(true)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gradeAsync grades sub in the background. Grading never depends on the
// request that created the submission.
func (s *Service) gradeAsync(sub model.Submission, a model.Assessment, questions []model.Question) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		res := s.grader.GradeSubmission(ctx, a, questions, sub.Payload)
		err := s.store.SetSubmissionScore(ctx, sub.ID, res, passed(a, res.Score))
		switch {
		case errors.Is(err, store.ErrAlreadyGraded):
			slog.Debug("Submission already graded", "submission_id", sub.ID)
		case err != nil:
			slog.Error("Saving grade", "submission_id", sub.ID, "error", err)
		default:
			slog.Info("Submission graded", "submission_id", sub.ID, "score", res.Score,
				"max_score", res.MaxScore, "needs_review", res.NeedsReview)
		}
	}()
}
