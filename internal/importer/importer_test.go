package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "import.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const examFile = `[
  {
    "kind": "EXAM",
    "title": "Go basics",
    "questions": [
      {"type": "SINGLE_CHOICE", "content": "Zero value of int?", "options": ["A. 0", "B. nil"], "correct_answer": "A", "score": 4},
      {"type": "TRUE_FALSE", "content": "Maps are ordered.", "correct_answer": "false", "score": 2},
      {"type": "SHORT_ANSWER", "content": "What does defer do?", "score": 4}
    ]
  },
  {
    "kind": "REPORT",
    "title": "Concurrency essay",
    "requirements": "At least 500 words."
  }
]`

func TestImport(t *testing.T) {
	s := newTestStore(t)
	im := New(s)
	ctx := context.Background()

	res, err := im.Import(ctx, "exam.json", []byte(examFile))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Status != StatusImported || len(res.AssessmentIDs) != 2 || res.Questions != 3 {
		t.Fatalf("result = %+v", res)
	}

	exam, err := s.GetAssessment(ctx, res.AssessmentIDs[0])
	if err != nil {
		t.Fatalf("GetAssessment: %v", err)
	}
	if exam.Kind != model.AssessmentExam || exam.TotalScore != 10 {
		t.Errorf("exam = %+v, want EXAM totalling 10", exam)
	}
	qs, _ := s.ListQuestions(ctx, exam.ID)
	if len(qs) != 3 || qs[0].CorrectAnswer != "A" || len(qs[0].Options) != 2 {
		t.Errorf("questions = %+v", qs)
	}
	report, _ := s.GetAssessment(ctx, res.AssessmentIDs[1])
	if report.TotalScore != 100 || report.Requirements == "" {
		t.Errorf("report = %+v, want default total 100", report)
	}

	again, err := im.Import(ctx, "exam.json", []byte(examFile))
	if err != nil || again.Status != StatusUnchanged {
		t.Errorf("second import = %+v, %v; want unchanged", again, err)
	}
	all, _ := s.ListAssessments(ctx)
	if len(all) != 2 {
		t.Errorf("stored %d assessments after re-import, want 2", len(all))
	}
}

func TestImportSingleObject(t *testing.T) {
	s := newTestStore(t)
	res, err := New(s).Import(context.Background(), "one.json",
		[]byte(`{"kind": "EXERCISE", "title": "Ch. 1", "pass_score": 3, "retry_allowed": true,
		  "questions": [{"type": "MULTIPLE_CHOICE", "content": "Pick", "options": ["A", "B", "C"], "correct_answer": "A,C", "score": 5}]}`))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	a, _ := s.GetAssessment(context.Background(), res.AssessmentIDs[0])
	if a.Kind != model.AssessmentExercise || !a.RetryAllowed || a.PassScore != 3 {
		t.Errorf("assessment = %+v", a)
	}
}

func TestImportChangedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := `{"kind": "REPORT", "title": "Essay v1"}`
	second := `{"kind": "REPORT", "title": "Essay v2"}`

	im := New(s)
	if _, err := im.Import(ctx, "essay.json", []byte(first)); err != nil {
		t.Fatalf("Import: %v", err)
	}

	im.SkipChanged = true
	res, err := im.Import(ctx, "essay.json", []byte(second))
	if err != nil || res.Status != StatusChanged {
		t.Errorf("skip changed = %+v, %v", res, err)
	}

	im.SkipChanged = false
	res, err = im.Import(ctx, "essay.json", []byte(second))
	if err != nil || res.Status != StatusImported {
		t.Errorf("reimport changed = %+v, %v", res, err)
	}
	all, _ := s.ListAssessments(ctx)
	if len(all) != 2 {
		t.Errorf("stored %d assessments, want 2", len(all))
	}
}

func TestImportInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `questions: none`},
		{"empty array", `[]`},
		{"unknown kind", `{"kind": "QUIZ", "title": "x"}`},
		{"missing title", `{"kind": "REPORT"}`},
		{"exam without questions", `{"kind": "EXAM", "title": "x"}`},
		{"unknown question type", `{"kind": "EXAM", "title": "x", "questions": [{"type": "ESSAY", "content": "q", "score": 1}]}`},
		{"choice without options", `{"kind": "EXAM", "title": "x", "questions": [{"type": "SINGLE_CHOICE", "content": "q", "correct_answer": "A", "score": 1}]}`},
		{"objective without answer", `{"kind": "EXAM", "title": "x", "questions": [{"type": "TRUE_FALSE", "content": "q", "score": 1}]}`},
		{"zero score", `{"kind": "EXAM", "title": "x", "questions": [{"type": "SHORT_ANSWER", "content": "q"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := New(s).Import(context.Background(), "bad.json", []byte(tt.data))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Import = %v, want ErrInvalid", err)
			}
			if hash, _ := s.GetImportedFileHash(context.Background(), "bad.json"); hash != "" {
				t.Error("hash recorded for a rejected file")
			}
		})
	}
}

func TestImportFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exam.json")
	if err := os.WriteFile(path, []byte(examFile), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t)
	results, err := New(s).ImportFiles(context.Background(), []string{path})
	if err != nil || len(results) != 1 || results[0].Status != StatusImported {
		t.Fatalf("ImportFiles = %+v, %v", results, err)
	}
	if _, err := New(s).ImportFiles(context.Background(), []string{filepath.Join(dir, "missing.json")}); err == nil {
		t.Error("ImportFiles with a missing file succeeded")
	}
}
