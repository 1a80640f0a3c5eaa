package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/courseai/internal/model"
)

const submissionColumns = `id, assessment_id, participant_id, retry_count, payload, score, passed,
	feedback, needs_review, breakdown, submitted_at, graded_at`

// maxInsertRaces bounds how often InsertSubmission re-reads the next attempt
// number after losing a race to a concurrent writer.
const maxInsertRaces = 5

// InsertSubmission stores sub in a single conditional statement. With
// firstOnly set the row is written only if the participant has no attempt
// yet; otherwise it becomes the next attempt. A rejected insert returns
// ErrAlreadySubmitted. Score fields already set on sub are stored with it.
func (s *Store) InsertSubmission(ctx context.Context, sub model.Submission, firstOnly bool) (model.Submission, error) {
	payload, err := json.Marshal(sub.Payload)
	if err != nil {
		return sub, fmt.Errorf("marshal payload: %w", err)
	}
	breakdown, err := marshalBreakdown(sub.Breakdown)
	if err != nil {
		return sub, err
	}
	sub.SubmittedAt = now()
	if sub.Score != nil && sub.GradedAt == nil {
		ts := sub.SubmittedAt
		sub.GradedAt = &ts
	}

	cols := []any{string(payload), nullFloat(sub.Score), nullBool(sub.Passed), sub.Feedback,
		boolToInt(sub.NeedsReview), breakdown, sub.SubmittedAt, nullTime(sub.GradedAt)}

	if firstOnly {
		args := append([]any{sub.AssessmentID, sub.ParticipantID}, cols...)
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO submissions (assessment_id, participant_id, retry_count, payload, score, passed,
				feedback, needs_review, breakdown, submitted_at, graded_at)
			 VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (assessment_id, participant_id, retry_count) DO NOTHING
			 RETURNING id, retry_count`, args...,
		).Scan(&sub.ID, &sub.RetryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return sub, ErrAlreadySubmitted
		}
		if err != nil {
			return sub, fmt.Errorf("insert submission: %w", err)
		}
		return sub, nil
	}

	args := append([]any{sub.AssessmentID, sub.ParticipantID}, cols...)
	args = append(args, sub.AssessmentID, sub.ParticipantID)
	for range maxInsertRaces {
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO submissions (assessment_id, participant_id, retry_count, payload, score, passed,
				feedback, needs_review, breakdown, submitted_at, graded_at)
			 SELECT ?, ?, COALESCE(MAX(retry_count) + 1, 0), ?, ?, ?, ?, ?, ?, ?, ?
			 FROM submissions WHERE assessment_id = ? AND participant_id = ?
			 ON CONFLICT (assessment_id, participant_id, retry_count) DO NOTHING
			 RETURNING id, retry_count`, args...,
		).Scan(&sub.ID, &sub.RetryCount)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return sub, fmt.Errorf("insert submission: %w", err)
		}
		return sub, nil
	}
	return sub, fmt.Errorf("insert submission: attempt number contended %d times", maxInsertRaces)
}

// SetSubmissionScore writes the grading result of a submission. The score is
// written at most once; a second call returns ErrAlreadyGraded.
func (s *Store) SetSubmissionScore(ctx context.Context, id int64, result model.GradingResult, passed *bool) error {
	breakdown, err := marshalBreakdown(result.Breakdown)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET score = ?, passed = ?, feedback = ?, needs_review = ?, breakdown = ?, graded_at = ?
		 WHERE id = ? AND score IS NULL`,
		result.Score, nullBool(passed), result.Feedback, boolToInt(result.NeedsReview), breakdown, now(), id,
	)
	if err != nil {
		return fmt.Errorf("update submission %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSubmission(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyGraded
}

// HasSubmitted reports whether the participant has any accepted submission.
func (s *Store) HasSubmitted(ctx context.Context, assessmentID int64, participantID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE assessment_id = ? AND participant_id = ?`,
		assessmentID, participantID,
	).Scan(&n)
	return n > 0, err
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id int64) (model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

// LatestSubmission returns the participant's most recent attempt.
func (s *Store) LatestSubmission(ctx context.Context, assessmentID int64, participantID string) (model.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE assessment_id = ? AND participant_id = ? ORDER BY retry_count DESC LIMIT 1`,
		assessmentID, participantID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

// ListSubmissions returns all submissions of an assessment ordered by
// participant and attempt.
func (s *Store) ListSubmissions(ctx context.Context, assessmentID int64) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE assessment_id = ?
		 ORDER BY participant_id, retry_count`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListUngraded returns submissions whose score has not been written yet.
func (s *Store) ListUngraded(ctx context.Context, limit int) ([]model.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE score IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubmission(row rowScanner) (model.Submission, error) {
	var sub model.Submission
	var payload string
	var score sql.NullFloat64
	var passed sql.NullBool
	var breakdown sql.NullString
	var gradedAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.AssessmentID, &sub.ParticipantID, &sub.RetryCount, &payload, &score, &passed,
		&sub.Feedback, &sub.NeedsReview, &breakdown, &sub.SubmittedAt, &gradedAt)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(payload), &sub.Payload); err != nil {
		return sub, fmt.Errorf("submission %d payload: %w", sub.ID, err)
	}
	if score.Valid {
		sub.Score = &score.Float64
	}
	if passed.Valid {
		sub.Passed = &passed.Bool
	}
	if breakdown.Valid && breakdown.String != "" {
		if err := json.Unmarshal([]byte(breakdown.String), &sub.Breakdown); err != nil {
			return sub, fmt.Errorf("submission %d breakdown: %w", sub.ID, err)
		}
	}
	if gradedAt.Valid {
		sub.GradedAt = &gradedAt.Time
	}
	return sub, nil
}

func marshalBreakdown(b []model.CriterionScore) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal breakdown: %w", err)
	}
	return string(data), nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
