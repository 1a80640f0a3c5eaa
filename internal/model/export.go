package model

import "time"

// AssessmentExport is the top-level JSON structure for result export.
type AssessmentExport struct {
	Assessment   Assessment          `json:"assessment"`
	NumQuestions int                 `json:"num_questions"`
	Results      []ParticipantResult `json:"results"`
}

// ParticipantResult holds one accepted submission for export.
type ParticipantResult struct {
	ParticipantID string           `json:"participant_id"`
	Attempt       int              `json:"attempt"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	GradedAt      *time.Time       `json:"graded_at,omitempty"`
	Score         *float64         `json:"score,omitempty"`
	Passed        *bool            `json:"passed,omitempty"`
	NeedsReview   bool             `json:"needs_review"`
	Feedback      string           `json:"feedback,omitempty"`
	Answers       []AnswerResult   `json:"answers,omitempty"`
	Criteria      []CriterionScore `json:"criteria,omitempty"`
}

// AnswerResult pairs a question with the participant's answer.
type AnswerResult struct {
	QuestionID    int64        `json:"question_id"`
	Type          QuestionType `json:"type"`
	Content       string       `json:"content"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Answer        string       `json:"answer"`
	Score         float64      `json:"score"`
	MaxScore      float64      `json:"max_score"`
	Feedback      string       `json:"feedback,omitempty"`
}
