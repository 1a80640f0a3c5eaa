package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	answerTagRegex      = regexp.MustCompile(`(?i)</?\s*participant-answer\b[^>]*>`)
	reportTagRegex      = regexp.MustCompile(`(?i)</?\s*(report|material|outline)\b[^>]*>`)
	systemInstrTagRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Name identifies a prompt template.
type Name string

const (
	Outline      Name = "outline"
	Script       Name = "script"
	GradeAnswer  Name = "grade_answer"
	ReviewReport Name = "review_report"
	Questions    Name = "questions"
	Assist       Name = "assist"
)

// Length limits applied to participant text before it reaches a prompt.
const (
	MaxAnswerRunes = 10000
	MaxReportRunes = 2000
	MaxSourceRunes = 20000
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Name]*template.Template
)

// OutlineData holds template data for outline generation.
type OutlineData struct {
	Title  string
	Text   string
	Params map[string]string
}

// ScriptData holds template data for narration script generation.
type ScriptData struct {
	Outline string
	Params  map[string]string
}

// GradeData holds template data for free-text answer grading.
type GradeData struct {
	Question  string
	Reference string
	Answer    string
	MaxScore  float64
}

// ReviewData holds template data for report review.
type ReviewData struct {
	Title        string
	Requirements string
	Content      string
	TotalScore   float64
	CriterionMax float64
}

// QuestionsData holds template data for question generation.
type QuestionsData struct {
	KnowledgePoint string
	Difficulty     string
	Count          int
}

// AssistData holds template data for the teaching assistant system prompt.
type AssistData struct {
	Context string
}

// Load parses the embedded templates. It is safe to call more than once.
func Load() error {
	loadOnce.Do(func() {
		templates = make(map[Name]*template.Template)
		for _, n := range []Name{Outline, Script, GradeAnswer, ReviewReport, Questions, Assist} {
			file := "templates/" + string(n) + ".tmpl"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(n)).Option("missingkey=error").Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			templates[n] = tmpl
		}
	})
	return loadErr
}

func render(n Name, data any) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[n]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", n)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", n, err)
	}
	return buf.String(), nil
}

// BuildOutline builds the prompt that turns source text into a slide outline.
func BuildOutline(d OutlineData) (string, error) {
	d.Text = sanitize(d.Text, reportTagRegex, MaxSourceRunes, "[No material provided]")
	return render(Outline, d)
}

// BuildScript builds the prompt that turns an outline into a narration script.
func BuildScript(d ScriptData) (string, error) {
	d.Outline = sanitize(d.Outline, reportTagRegex, MaxSourceRunes, "[Empty outline]")
	return render(Script, d)
}

// BuildGradeAnswer builds the free-text grading prompt.
func BuildGradeAnswer(d GradeData) (string, error) {
	d.Answer = sanitize(d.Answer, answerTagRegex, MaxAnswerRunes, "[No answer provided]")
	return render(GradeAnswer, d)
}

// BuildReviewReport builds the report review prompt.
func BuildReviewReport(d ReviewData) (string, error) {
	d.Content = sanitize(d.Content, reportTagRegex, MaxReportRunes, "[No report provided]")
	return render(ReviewReport, d)
}

// BuildQuestions builds the question generation prompt.
func BuildQuestions(d QuestionsData) (string, error) {
	return render(Questions, d)
}

// BuildAssist builds the teaching assistant system prompt.
func BuildAssist(d AssistData) (string, error) {
	return render(Assist, d)
}

// sanitize strips tags that could close the surrounding prompt section,
// substitutes empty text, and truncates to limit runes.
func sanitize(text string, tags *regexp.Regexp, limit int, empty string) string {
	text = tags.ReplaceAllString(text, "")
	text = systemInstrTagRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return empty
	}

	if utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		text = string(runes[:limit]) + "\n\n[Text truncated due to length]"
	}

	return text
}
