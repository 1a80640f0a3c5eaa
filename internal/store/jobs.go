package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/courseai/internal/model"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid job state transition")

// TransitionError reports a job state change whose precondition did not hold.
type TransitionError struct {
	JobID   string
	Current model.JobState
	From    model.JobState
	To      model.JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move %s -> %s, current state is %s", e.JobID, e.From, e.To, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

const jobColumns = `id, kind, inputs, state, artifact_location, artifact_metadata, error, created_at, updated_at`

// CreateJob inserts a PENDING job and returns its ID. The row is committed
// when CreateJob returns.
func (s *Store) CreateJob(ctx context.Context, kind model.JobKind, inputs any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal job inputs: %w", err)
	}
	id := uuid.NewString()
	ts := now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, inputs, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, string(data), model.JobPending, ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (model.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job, ErrNotFound
	}
	return job, err
}

// MarkProcessing moves a job from PENDING to PROCESSING. Exactly one caller
// wins for a given job; the others get a *TransitionError.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.JobPending, model.JobProcessing, "")
}

// CompleteJob records the artifact and moves a job from PROCESSING to
// COMPLETED.
func (s *Store) CompleteJob(ctx context.Context, id, location string, metadata any) error {
	var meta any
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal artifact metadata: %w", err)
		}
		meta = string(data)
	}
	return s.transition(ctx, id, model.JobProcessing, model.JobCompleted,
		`, artifact_location = ?, artifact_metadata = ?`, location, meta)
}

// FailJob records a human-readable failure summary and moves a job from
// PROCESSING to FAILED.
func (s *Store) FailJob(ctx context.Context, id, summary string) error {
	if summary == "" {
		summary = "generation failed"
	}
	return s.transition(ctx, id, model.JobProcessing, model.JobFailed, `, error = ?`, summary)
}

// transition applies a compare-and-swap state change in a single statement.
func (s *Store) transition(ctx context.Context, id string, from, to model.JobState, set string, setArgs ...any) error {
	args := append([]any{to, now()}, setArgs...)
	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ?`+set+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var current model.JobState
	err = s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job %s: %w", id, err)
	}
	return &TransitionError{JobID: id, Current: current, From: from, To: to}
}

// ListPendingJobs returns IDs of jobs that have been PENDING for at least
// olderThan, oldest first.
func (s *Store) ListPendingJobs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state = ? AND created_at <= ? ORDER BY created_at LIMIT ?`,
		model.JobPending, now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailStaleProcessing moves jobs that have been PROCESSING for at least
// olderThan to FAILED with the given summary. It returns the number of jobs
// failed.
func (s *Store) FailStaleProcessing(ctx context.Context, olderThan time.Duration, summary string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, updated_at = ? WHERE state = ? AND updated_at <= ?`,
		model.JobFailed, summary, now(), model.JobProcessing, now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountJobsByState returns the number of jobs in each state.
func (s *Store) CountJobsByState(ctx context.Context) (map[model.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state model.JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func scanJob(row rowScanner) (model.GenerationJob, error) {
	var j model.GenerationJob
	var inputs string
	var location, metadata sql.NullString
	err := row.Scan(&j.ID, &j.Kind, &inputs, &j.State, &location, &metadata, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Inputs = json.RawMessage(inputs)
	if location.Valid {
		j.ArtifactLocation = &location.String
	}
	if metadata.Valid {
		j.ArtifactMetadata = json.RawMessage(metadata.String)
	}
	return j, nil
}
