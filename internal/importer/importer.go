// Package importer loads assessments and their questions from JSON files.
// Every file's content hash is recorded, so importing the same file twice is
// a no-op.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/courseai/internal/model"
)

// ErrInvalid is returned for files that do not decode or fail validation.
var ErrInvalid = errors.New("invalid assessments file")

// Status describes what happened to one file.
type Status string

const (
	StatusImported  Status = "imported"
	StatusUnchanged Status = "unchanged"
	// StatusChanged means the file differs from the last import and was
	// skipped because the importer keeps existing assessments stable.
	StatusChanged Status = "changed"
)

// Store is the persistence the importer needs.
type Store interface {
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	SetImportedFileHash(ctx context.Context, path, hash string) error
	CreateAssessment(ctx context.Context, a model.Assessment, questions []model.Question) (int64, error)
}

// Result is the outcome of importing one file.
type Result struct {
	Name          string  `json:"name"`
	Status        Status  `json:"status"`
	AssessmentIDs []int64 `json:"assessment_ids,omitempty"`
	Questions     int     `json:"questions"`
}

// Importer validates and stores assessment files.
type Importer struct {
	store    Store
	validate *validator.Validate
	// SkipChanged leaves files whose content changed since the last import
	// alone instead of importing them again.
	SkipChanged bool
}

func New(s Store) *Importer {
	return &Importer{store: s, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ImportFiles imports every path in order and stops at the first error.
func (im *Importer) ImportFiles(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return results, fmt.Errorf("read %s: %w", path, err)
		}
		res, err := im.Import(ctx, path, data)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Import stores the assessments in data. name identifies the file for hash
// tracking. data holds either one assessment object or an array of them.
func (im *Importer) Import(ctx context.Context, name string, data []byte) (Result, error) {
	res := Result{Name: name}
	hash := sha256sum(data)
	stored, err := im.store.GetImportedFileHash(ctx, name)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		slog.Info("Assessments file unchanged, skipping", "name", name)
		res.Status = StatusUnchanged
		return res, nil
	}
	if stored != "" && im.SkipChanged {
		slog.Warn("Assessments file changed since last import, skipping to keep existing submissions consistent",
			"name", name)
		res.Status = StatusChanged
		return res, nil
	}

	items, err := im.decode(data)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}

	for _, ai := range items {
		a, questions := convert(ai)
		id, err := im.store.CreateAssessment(ctx, a, questions)
		if err != nil {
			return res, fmt.Errorf("create assessment %q from %s: %w", ai.Title, name, err)
		}
		res.AssessmentIDs = append(res.AssessmentIDs, id)
		res.Questions += len(questions)
	}

	if err := im.store.SetImportedFileHash(ctx, name, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	res.Status = StatusImported
	slog.Info("Imported assessments", "name", name, "assessments", len(items), "questions", res.Questions)
	return res, nil
}

func (im *Importer) decode(data []byte) ([]model.AssessmentImport, error) {
	var items []model.AssessmentImport
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one model.AssessmentImport
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, err
		}
		items = append(items, one)
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("no assessments")
	}
	for i, ai := range items {
		if err := im.validate.Struct(ai); err != nil {
			return nil, fmt.Errorf("assessment %d: %w", i+1, err)
		}
		if ai.Kind != model.AssessmentReport && len(ai.Questions) == 0 {
			return nil, fmt.Errorf("assessment %d: %s needs questions", i+1, ai.Kind)
		}
	}
	return items, nil
}

// convert fills in the total score from the questions when the file leaves
// it out.
func convert(ai model.AssessmentImport) (model.Assessment, []model.Question) {
	a := model.Assessment{
		Kind:         ai.Kind,
		Title:        ai.Title,
		Requirements: ai.Requirements,
		TotalScore:   ai.TotalScore,
		PassScore:    ai.PassScore,
		RetryAllowed: ai.RetryAllowed,
	}
	questions := make([]model.Question, 0, len(ai.Questions))
	var sum float64
	for _, qi := range ai.Questions {
		questions = append(questions, model.Question{
			Type:          qi.Type,
			Content:       qi.Content,
			Options:       qi.Options,
			CorrectAnswer: qi.CorrectAnswer,
			Score:         qi.Score,
			Analysis:      qi.Analysis,
		})
		sum += qi.Score
	}
	if a.TotalScore == 0 {
		a.TotalScore = sum
	}
	if a.TotalScore == 0 && a.Kind == model.AssessmentReport {
		a.TotalScore = 100
	}
	return a, questions
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
