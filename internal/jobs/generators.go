package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/courseai/internal/artifact"
	"github.com/pavelanni/courseai/internal/extract"
	"github.com/pavelanni/courseai/internal/llm/prompts"
	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

// ErrSourceNotReady is returned when a script is requested from a job that is
// not a completed outline.
var ErrSourceNotReady = errors.New("source outline is not ready")

const (
	outlineMarker = "=== OUTLINE ==="

	linesPerPage   = 5
	wordsPerMinute = 150
	minDuration    = 60

	defaultQuestionCount  = 5
	maxQuestionCount      = 20
	defaultQuestionScore  = 5
	fallbackQuestionScore = 10
)

// JobGetter looks up jobs by ID.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (model.GenerationJob, error)
}

// GeneratorStore is what the generators read and write besides artifacts.
type GeneratorStore interface {
	JobGetter
	AppendQuestions(ctx context.Context, assessmentID int64, questions []model.Question) error
}

// Generators implements the handlers for every job kind.
type Generators struct {
	llm       Completer
	artifacts artifact.Store
	store     GeneratorStore
	attempts  int
	backoff   time.Duration
}

// NewGenerators creates the job handlers. attempts bounds gateway calls per
// job; backoff is the step of the linear wait between them.
func NewGenerators(c Completer, a artifact.Store, s GeneratorStore, attempts int, backoff time.Duration) *Generators {
	return &Generators{llm: c, artifacts: a, store: s, attempts: attempts, backoff: backoff}
}

// Register adds a handler for every job kind to r.
func (g *Generators) Register(r *Runner) {
	r.Register(model.JobOutlineFromText, HandlerFunc(g.outline))
	r.Register(model.JobScriptFromOutline, HandlerFunc(g.script))
	r.Register(model.JobQuestionsFromTopic, HandlerFunc(g.questions))
}

func (g *Generators) complete(ctx context.Context, prompt string) (string, error) {
	return completeWithRetry(ctx, g.llm, []model.ConversationTurn{model.User(prompt)}, g.attempts, g.backoff)
}

func (g *Generators) outline(ctx context.Context, job model.GenerationJob) (Result, error) {
	var in model.OutlineInput
	if err := json.Unmarshal(job.Inputs, &in); err != nil {
		return Result{}, fmt.Errorf("decode inputs: %w", err)
	}
	prompt, err := prompts.BuildOutline(prompts.OutlineData{Title: in.Title, Text: in.Text, Params: in.Params})
	if err != nil {
		return Result{}, err
	}
	out, err := g.complete(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generate outline: %w", err)
	}
	out = strings.TrimSpace(out)

	lines := countLines(out)
	meta := model.OutlineMetadata{Pages: max(1, lines/linesPerPage), Lines: lines}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nGenerated: %s\nPages: %d\n\n", in.Title, time.Now().UTC().Format(time.RFC3339), meta.Pages)
	b.WriteString("=== SOURCE ===\n")
	b.WriteString(strings.TrimSpace(in.Text))
	b.WriteString("\n\n" + outlineMarker + "\n")
	b.WriteString(out)
	b.WriteString("\n")

	loc, err := g.artifacts.Put(ctx, "outlines/"+job.ID+".txt", []byte(b.String()), "text/plain; charset=utf-8")
	if err != nil {
		return Result{}, err
	}
	return Result{Location: loc, Metadata: meta}, nil
}

func (g *Generators) script(ctx context.Context, job model.GenerationJob) (Result, error) {
	var in model.ScriptInput
	if err := json.Unmarshal(job.Inputs, &in); err != nil {
		return Result{}, fmt.Errorf("decode inputs: %w", err)
	}
	src, err := CheckScriptSource(ctx, g.store, in.SourceJobID)
	if err != nil {
		return Result{}, err
	}
	content, err := g.artifacts.Get(ctx, *src.ArtifactLocation)
	if err != nil {
		return Result{}, fmt.Errorf("read outline %s: %w", *src.ArtifactLocation, err)
	}
	outline := outlineBody(string(content))

	prompt, err := prompts.BuildScript(prompts.ScriptData{Outline: outline, Params: in.Params})
	if err != nil {
		return Result{}, err
	}
	out, err := g.complete(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generate script: %w", err)
	}
	out = strings.TrimSpace(out)

	var srcMeta model.OutlineMetadata
	if len(src.ArtifactMetadata) > 0 {
		if err := json.Unmarshal(src.ArtifactMetadata, &srcMeta); err != nil {
			slog.Warn("Unreadable outline metadata", "job_id", src.ID, "error", err)
		}
	}
	meta := model.ScriptMetadata{
		Scenes:          max(1, srcMeta.Pages),
		DurationSeconds: max(minDuration, len(strings.Fields(out))*60/wordsPerMinute),
		SourceLocation:  *src.ArtifactLocation,
	}

	loc, err := g.artifacts.Put(ctx, "scripts/"+job.ID+".txt", []byte(out+"\n"), "text/plain; charset=utf-8")
	if err != nil {
		return Result{}, err
	}
	return Result{Location: loc, Metadata: meta}, nil
}

// CheckScriptSource returns the source job of a script request when it is a
// COMPLETED outline with an artifact; otherwise the error wraps
// ErrSourceNotReady.
func CheckScriptSource(ctx context.Context, s JobGetter, id string) (model.GenerationJob, error) {
	src, err := s.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return src, fmt.Errorf("%w: job %s does not exist", ErrSourceNotReady, id)
	}
	if err != nil {
		return src, fmt.Errorf("load source job %s: %w", id, err)
	}
	if src.Kind != model.JobOutlineFromText {
		return src, fmt.Errorf("%w: job %s is a %s job", ErrSourceNotReady, id, src.Kind)
	}
	if src.State != model.JobCompleted || src.ArtifactLocation == nil {
		return src, fmt.Errorf("%w: job %s is %s", ErrSourceNotReady, id, src.State)
	}
	return src, nil
}

// generatedQuestion is one element of the gateway's question array. The
// answer comes back as a string, a boolean or a list depending on the model.
type generatedQuestion struct {
	Type          string   `json:"type"`
	Content       string   `json:"content"`
	Options       []string `json:"options"`
	CorrectAnswer any      `json:"correctAnswer"`
	Score         float64  `json:"score"`
	Analysis      string   `json:"analysis"`
}

func (g *Generators) questions(ctx context.Context, job model.GenerationJob) (Result, error) {
	var in model.QuestionsInput
	if err := json.Unmarshal(job.Inputs, &in); err != nil {
		return Result{}, fmt.Errorf("decode inputs: %w", err)
	}
	count := in.Count
	if count <= 0 {
		count = defaultQuestionCount
	}
	count = min(count, maxQuestionCount)
	difficulty := in.Difficulty
	if difficulty == "" {
		difficulty = model.DifficultyMedium
	}

	prompt, err := prompts.BuildQuestions(prompts.QuestionsData{
		KnowledgePoint: in.KnowledgePoint,
		Difficulty:     string(difficulty),
		Count:          count,
	})
	if err != nil {
		return Result{}, err
	}
	out, err := g.complete(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generate questions: %w", err)
	}

	qs, fallback := parseQuestions(out, count)
	if fallback {
		slog.Warn("Question output not parseable, keeping raw text", "job_id", job.ID)
	}
	for i := range qs {
		qs[i].AssessmentID = in.AssessmentID
		qs[i].AIGenerated = true
	}

	data, err := json.MarshalIndent(qs, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode questions: %w", err)
	}
	loc, err := g.artifacts.Put(ctx, "questions/"+job.ID+".json", data, "application/json")
	if err != nil {
		return Result{}, err
	}
	if in.AssessmentID != 0 {
		if err := g.store.AppendQuestions(ctx, in.AssessmentID, qs); err != nil {
			return Result{}, fmt.Errorf("add questions to assessment %d: %w", in.AssessmentID, err)
		}
	}
	return Result{Location: loc, Metadata: model.QuestionsMetadata{Count: len(qs), Fallback: fallback}}, nil
}

// parseQuestions extracts at most limit questions from raw. When nothing
// usable is found the raw text becomes a single short-answer question and
// fallback is true.
func parseQuestions(raw string, limit int) (qs []model.Question, fallback bool) {
	var gen []generatedQuestion
	if err := extract.Into(raw, &gen); err == nil {
		for _, q := range gen {
			if strings.TrimSpace(q.Content) == "" {
				continue
			}
			qt := model.QuestionType(strings.ToUpper(strings.TrimSpace(q.Type)))
			if !qt.Objective() {
				qt = model.QuestionShortAnswer
			}
			score := q.Score
			if score <= 0 {
				score = defaultQuestionScore
			}
			question := model.Question{
				Type:          qt,
				Content:       strings.TrimSpace(q.Content),
				CorrectAnswer: answerString(q.CorrectAnswer),
				Score:         score,
				Analysis:      q.Analysis,
			}
			if qt == model.QuestionSingleChoice || qt == model.QuestionMultipleChoice {
				question.Options = q.Options
			}
			qs = append(qs, question)
			if len(qs) == limit {
				break
			}
		}
	}
	if len(qs) > 0 {
		return qs, false
	}
	return []model.Question{{
		Type:    model.QuestionShortAnswer,
		Content: strings.TrimSpace(raw),
		Score:   fallbackQuestionScore,
	}}, true
}

func answerString(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(a)
	case bool:
		return strconv.FormatBool(a)
	case float64:
		return strconv.FormatFloat(a, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(a))
		for _, p := range a {
			if s := answerString(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(a)
	}
}

func countLines(s string) int {
	n := 0
	for line := range strings.Lines(s) {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// outlineBody returns the generated part of an outline artifact.
func outlineBody(content string) string {
	if _, body, ok := strings.Cut(content, outlineMarker+"\n"); ok {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(content)
}
