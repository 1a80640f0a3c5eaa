package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/courseai/internal/model"
)

// CreateAssessment stores an assessment together with its questions.
func (s *Store) CreateAssessment(ctx context.Context, a model.Assessment, questions []model.Question) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO assessments (kind, title, requirements, total_score, pass_score, retry_allowed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Kind, a.Title, a.Requirements, a.TotalScore, a.PassScore, boolToInt(a.RetryAllowed), now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert assessment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, q := range questions {
		q.AssessmentID = id
		q.Position = i + 1
		if err := insertQuestion(ctx, tx, q); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// GetAssessment returns an assessment by ID.
func (s *Store) GetAssessment(ctx context.Context, id int64) (model.Assessment, error) {
	var a model.Assessment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, title, requirements, total_score, pass_score, retry_allowed, created_at
		 FROM assessments WHERE id = ?`, id,
	).Scan(&a.ID, &a.Kind, &a.Title, &a.Requirements, &a.TotalScore, &a.PassScore, &a.RetryAllowed, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// ListAssessments returns all assessments, newest first.
func (s *Store) ListAssessments(ctx context.Context) ([]model.Assessment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, title, requirements, total_score, pass_score, retry_allowed, created_at
		 FROM assessments ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assessment
	for rows.Next() {
		var a model.Assessment
		if err := rows.Scan(&a.ID, &a.Kind, &a.Title, &a.Requirements, &a.TotalScore, &a.PassScore, &a.RetryAllowed, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendQuestions adds questions after the existing ones of an assessment.
func (s *Store) AppendQuestions(ctx context.Context, assessmentID int64, questions []model.Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assessments WHERE id = ?`, assessmentID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM questions WHERE assessment_id = ?`, assessmentID,
	).Scan(&last); err != nil {
		return err
	}
	for i, q := range questions {
		q.AssessmentID = assessmentID
		q.Position = last + i + 1
		if err := insertQuestion(ctx, tx, q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertQuestion(ctx context.Context, tx *sql.Tx, q model.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if q.Options == nil {
		options = []byte("[]")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO questions (assessment_id, type, content, options, correct_answer, score, analysis, position, ai_generated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.AssessmentID, q.Type, q.Content, string(options), q.CorrectAnswer, q.Score, q.Analysis, q.Position, boolToInt(q.AIGenerated),
	)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// ListQuestions returns the questions of an assessment in position order.
func (s *Store) ListQuestions(ctx context.Context, assessmentID int64) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, assessment_id, type, content, options, correct_answer, score, analysis, position, ai_generated
		 FROM questions WHERE assessment_id = ? ORDER BY position, id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Question
	for rows.Next() {
		var q model.Question
		var options string
		if err := rows.Scan(&q.ID, &q.AssessmentID, &q.Type, &q.Content, &options, &q.CorrectAnswer,
			&q.Score, &q.Analysis, &q.Position, &q.AIGenerated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("question %d options: %w", q.ID, err)
		}
		if len(q.Options) == 0 {
			q.Options = nil
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
