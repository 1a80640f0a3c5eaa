// Package handler exposes the generation jobs, submissions, assistant and
// admin import over HTTP as JSON.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/courseai/internal/artifact"
	appI18n "github.com/pavelanni/courseai/internal/i18n"
	"github.com/pavelanni/courseai/internal/importer"
	"github.com/pavelanni/courseai/internal/model"
)

const maxBodyBytes = 1 << 20

// Store is the persistence the handlers read from directly.
type Store interface {
	CreateJob(ctx context.Context, kind model.JobKind, inputs any) (string, error)
	GetJob(ctx context.Context, id string) (model.GenerationJob, error)
	CountJobsByState(ctx context.Context) (map[model.JobState]int, error)
	GetAssessment(ctx context.Context, id int64) (model.Assessment, error)
	ListAssessments(ctx context.Context) ([]model.Assessment, error)
	ExportAssessment(ctx context.Context, id int64) (model.AssessmentExport, error)
}

// Scheduler hands a stored job to the workers.
type Scheduler interface {
	Schedule(ctx context.Context, id string)
}

// Submissions accepts and lists participant submissions.
type Submissions interface {
	Submit(ctx context.Context, assessmentID int64, participantID string, p model.Payload) (model.Submission, error)
	CheckSubmitted(ctx context.Context, assessmentID int64, participantID string) (bool, error)
	List(ctx context.Context, assessmentID int64) ([]model.Submission, error)
}

// Streamer streams an assistant answer chunk by chunk.
type Streamer interface {
	CompleteStreaming(ctx context.Context, turns []model.ConversationTurn) iter.Seq2[string, error]
}

// Importer loads an uploaded assessments file.
type Importer interface {
	Import(ctx context.Context, name string, data []byte) (importer.Result, error)
}

// Deps are the handler's collaborators. Assistant may be nil, which
// disables the assistant stream. Admin routes are only mounted when
// AdminToken is set.
type Deps struct {
	Store       Store
	Scheduler   Scheduler
	Artifacts   artifact.Store
	Submissions Submissions
	Assistant   Streamer
	Importer    Importer
	AdminToken  string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	Deps
	validate *validator.Validate
}

// New creates a new Handler.
func New(d Deps) (*Handler, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("handler: store is required")
	case d.Scheduler == nil:
		return nil, errors.New("handler: scheduler is required")
	case d.Artifacts == nil:
		return nil, errors.New("handler: artifact store is required")
	case d.Submissions == nil:
		return nil, errors.New("handler: submission service is required")
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Deps: d, validate: v}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs/outline", h.handleCreateOutline)
		r.Post("/jobs/script", h.handleCreateScript)
		r.Post("/jobs/questions", h.handleCreateQuestions)
		r.Get("/jobs/{jobID}", h.handleGetJob)
		r.Get("/jobs/{jobID}/artifact", h.handleGetArtifact)

		r.Post("/assessments/{assessmentID}/submissions", h.handleSubmit)
		r.Get("/assessments/{assessmentID}/submissions", h.handleListSubmissions)
		r.Get("/assessments/{assessmentID}/submissions/{participantID}/exists", h.handleCheckSubmitted)

		r.Post("/assist/stream", h.handleAssistStream)
	})

	if h.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireToken(h.AdminToken))
			r.Get("/assessments", h.handleListAssessments)
			r.Post("/assessments", h.handleUploadAssessments)
			r.Get("/assessments/{assessmentID}/export", h.handleExportAssessment)
		})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Store.CountJobsByState(r.Context())
	if err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": counts})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError sends a machine-readable code with a message localised for
// the request.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msgID string, data map[string]any) {
	writeJSON(w, status, errorResponse{Error: code, Message: appI18n.Td(r.Context(), msgID, data)})
}

func writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, "internal", "InternalError", nil)
}

func writeInvalid(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, http.StatusBadRequest, "invalid_request", "InvalidRequest", map[string]any{"Detail": detail})
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeInvalid(w, r, "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeInvalid(w, r, validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func assessmentIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "assessmentID"), 10, 64)
	if err != nil || id <= 0 {
		writeInvalid(w, r, "assessment id must be a positive integer")
		return 0, false
	}
	return id, true
}
