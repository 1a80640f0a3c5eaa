package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Role represents the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message sent to the language-model gateway.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system turn.
func System(content string) ConversationTurn {
	return ConversationTurn{Role: RoleSystem, Content: content}
}

// User returns a user turn.
func User(content string) ConversationTurn {
	return ConversationTurn{Role: RoleUser, Content: content}
}

// JobKind identifies what a generation job produces.
type JobKind string

const (
	JobOutlineFromText    JobKind = "OUTLINE_FROM_TEXT"
	JobScriptFromOutline  JobKind = "SCRIPT_FROM_OUTLINE"
	JobQuestionsFromTopic JobKind = "QUESTIONS_FROM_TOPIC"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobOutlineFromText, JobScriptFromOutline, JobQuestionsFromTopic:
		return true
	}
	return false
}

// JobState is the lifecycle state of a generation job.
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobProcessing JobState = "PROCESSING"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// GenerationJob tracks one asynchronous generation request.
type GenerationJob struct {
	ID               string          `json:"id"`
	Kind             JobKind         `json:"kind"`
	Inputs           json.RawMessage `json:"inputs"`
	State            JobState        `json:"state"`
	ArtifactLocation *string         `json:"artifact_location,omitempty"`
	ArtifactMetadata json.RawMessage `json:"artifact_metadata,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// OutlineInput is the input of an OUTLINE_FROM_TEXT job.
type OutlineInput struct {
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Params map[string]string `json:"params,omitempty"`
}

// ScriptInput is the input of a SCRIPT_FROM_OUTLINE job.
type ScriptInput struct {
	SourceJobID string            `json:"source_job_id"`
	Params      map[string]string `json:"params,omitempty"`
}

// QuestionsInput is the input of a QUESTIONS_FROM_TOPIC job.
type QuestionsInput struct {
	AssessmentID   int64      `json:"assessment_id,omitempty"`
	KnowledgePoint string     `json:"knowledge_point"`
	Difficulty     Difficulty `json:"difficulty"`
	Count          int        `json:"count"`
}

// OutlineMetadata describes a generated slide outline.
type OutlineMetadata struct {
	Pages int `json:"pages"`
	Lines int `json:"lines"`
}

// ScriptMetadata describes a generated narration script.
type ScriptMetadata struct {
	Scenes          int    `json:"scenes"`
	DurationSeconds int    `json:"duration_seconds"`
	SourceLocation  string `json:"source_location"`
}

// QuestionsMetadata describes a generated question set.
type QuestionsMetadata struct {
	Count    int  `json:"count"`
	Fallback bool `json:"fallback,omitempty"`
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// AssessmentKind distinguishes exams, reports and chapter exercises.
type AssessmentKind string

const (
	AssessmentExam     AssessmentKind = "EXAM"
	AssessmentReport   AssessmentKind = "REPORT"
	AssessmentExercise AssessmentKind = "EXERCISE"
)

// Policy controls how many submissions a participant may make.
type Policy string

const (
	PolicySingle    Policy = "single"
	PolicyRetryable Policy = "retryable"
)

// Assessment is anything a participant submits answers to.
type Assessment struct {
	ID           int64          `json:"id"`
	Kind         AssessmentKind `json:"kind"`
	Title        string         `json:"title"`
	Requirements string         `json:"requirements,omitempty"`
	TotalScore   float64        `json:"total_score"`
	PassScore    float64        `json:"pass_score,omitempty"`
	RetryAllowed bool           `json:"retry_allowed,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Policy returns the submission policy implied by the assessment kind.
func (a Assessment) Policy() Policy {
	if a.Kind == AssessmentExercise {
		return PolicyRetryable
	}
	return PolicySingle
}

// QuestionType is the answer format of a question.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionShortAnswer    QuestionType = "SHORT_ANSWER"
)

// Objective reports whether answers of this type can be graded by comparison.
func (t QuestionType) Objective() bool {
	switch t {
	case QuestionSingleChoice, QuestionMultipleChoice, QuestionTrueFalse:
		return true
	}
	return false
}

// Question belongs to an assessment.
type Question struct {
	ID            int64        `json:"id"`
	AssessmentID  int64        `json:"assessment_id"`
	Type          QuestionType `json:"type"`
	Content       string       `json:"content"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Score         float64      `json:"score"`
	Analysis      string       `json:"analysis,omitempty"`
	Position      int          `json:"position"`
	AIGenerated   bool         `json:"ai_generated,omitempty"`
}

// QuestionKey is the key of a question's answer in Payload.Answers and of
// its score in a grading breakdown.
func QuestionKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Payload is what a participant submits: per-question answers keyed by
// question ID, or free-form report content.
type Payload struct {
	Answers map[string]string `json:"answers,omitempty"`
	Content string            `json:"content,omitempty"`
}

// Submission is an accepted attempt. Score stays nil until grading
// finishes and is written once.
type Submission struct {
	ID            int64            `json:"id"`
	AssessmentID  int64            `json:"assessment_id"`
	ParticipantID string           `json:"participant_id"`
	Payload       Payload          `json:"payload"`
	RetryCount    int              `json:"retry_count"`
	Score         *float64         `json:"score,omitempty"`
	Passed        *bool            `json:"passed,omitempty"`
	Feedback      string           `json:"feedback,omitempty"`
	NeedsReview   bool             `json:"needs_review"`
	Breakdown     []CriterionScore `json:"breakdown,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	GradedAt      *time.Time       `json:"graded_at,omitempty"`
}

// CriterionScore is the score of one question or one review criterion.
type CriterionScore struct {
	Key         string  `json:"key"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Correct     *bool   `json:"correct,omitempty"`
	Feedback    string  `json:"feedback,omitempty"`
	NeedsReview bool    `json:"needs_review,omitempty"`
}

// GradingResult is the aggregate outcome of grading one submission.
type GradingResult struct {
	Score       float64          `json:"score"`
	MaxScore    float64          `json:"max_score"`
	Feedback    string           `json:"feedback,omitempty"`
	NeedsReview bool             `json:"needs_review"`
	Breakdown   []CriterionScore `json:"breakdown,omitempty"`
}

// AssessmentImport is used for loading assessments from JSON files.
type AssessmentImport struct {
	Kind         AssessmentKind   `json:"kind" validate:"required,oneof=EXAM REPORT EXERCISE"`
	Title        string           `json:"title" validate:"required,max=200"`
	Requirements string           `json:"requirements"`
	TotalScore   float64          `json:"total_score" validate:"gte=0"`
	PassScore    float64          `json:"pass_score" validate:"gte=0"`
	RetryAllowed bool             `json:"retry_allowed"`
	Questions    []QuestionImport `json:"questions" validate:"dive"`
}

// QuestionImport is one question inside an AssessmentImport.
type QuestionImport struct {
	Type          QuestionType `json:"type" validate:"required,oneof=SINGLE_CHOICE MULTIPLE_CHOICE TRUE_FALSE SHORT_ANSWER"`
	Content       string       `json:"content" validate:"required"`
	Options       []string     `json:"options" validate:"required_if=Type SINGLE_CHOICE,required_if=Type MULTIPLE_CHOICE"`
	CorrectAnswer string       `json:"correct_answer" validate:"required_unless=Type SHORT_ANSWER"`
	Score         float64      `json:"score" validate:"gt=0"`
	Analysis      string       `json:"analysis"`
}
