package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/courseai/internal/artifact"
	"github.com/pavelanni/courseai/internal/jobs"
	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

type outlineRequest struct {
	Title  string            `json:"title" validate:"required,max=200"`
	Text   string            `json:"text" validate:"required,max=200000"`
	Params map[string]string `json:"params"`
}

type scriptRequest struct {
	SourceJobID string            `json:"source_job_id" validate:"required,max=64"`
	Params      map[string]string `json:"params"`
}

type questionsRequest struct {
	AssessmentID   int64            `json:"assessment_id" validate:"gte=0"`
	KnowledgePoint string           `json:"knowledge_point" validate:"required,max=500"`
	Difficulty     model.Difficulty `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	Count          int              `json:"count" validate:"gte=0,lte=20"`
}

type jobCreated struct {
	ID    string         `json:"id"`
	State model.JobState `json:"state"`
}

func (h *Handler) handleCreateOutline(w http.ResponseWriter, r *http.Request) {
	var req outlineRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.createJob(w, r, model.JobOutlineFromText, model.OutlineInput{
		Title:  req.Title,
		Text:   req.Text,
		Params: req.Params,
	})
}

func (h *Handler) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := jobs.CheckScriptSource(r.Context(), h.Store, req.SourceJobID); err != nil {
		if errors.Is(err, jobs.ErrSourceNotReady) {
			writeError(w, r, http.StatusConflict, "source_not_ready", "SourceNotReady", nil)
			return
		}
		writeInternalError(w, r, "check script source", err)
		return
	}
	h.createJob(w, r, model.JobScriptFromOutline, model.ScriptInput{
		SourceJobID: req.SourceJobID,
		Params:      req.Params,
	})
}

func (h *Handler) handleCreateQuestions(w http.ResponseWriter, r *http.Request) {
	var req questionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AssessmentID != 0 {
		if _, err := h.Store.GetAssessment(r.Context(), req.AssessmentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "not_found", "AssessmentNotFound", map[string]any{"ID": req.AssessmentID})
				return
			}
			writeInternalError(w, r, "get assessment", err)
			return
		}
	}
	h.createJob(w, r, model.JobQuestionsFromTopic, model.QuestionsInput{
		AssessmentID:   req.AssessmentID,
		KnowledgePoint: req.KnowledgePoint,
		Difficulty:     req.Difficulty,
		Count:          req.Count,
	})
}

// createJob stores a PENDING job, schedules it and answers 202 right away.
func (h *Handler) createJob(w http.ResponseWriter, r *http.Request, kind model.JobKind, inputs any) {
	id, err := h.Store.CreateJob(r.Context(), kind, inputs)
	if err != nil {
		writeInternalError(w, r, "create job", err)
		return
	}
	h.Scheduler.Schedule(r.Context(), id)
	slog.Info("Job accepted", "job_id", id, "kind", kind)

	w.Header().Set("Location", path.Join("/api/jobs", id))
	writeJSON(w, http.StatusAccepted, jobCreated{ID: id, State: model.JobPending})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.State != model.JobCompleted || job.ArtifactLocation == nil {
		writeError(w, r, http.StatusConflict, "not_ready", "ArtifactNotReady", nil)
		return
	}
	data, err := h.Artifacts.Get(r.Context(), *job.ArtifactLocation)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			slog.Warn("artifact missing for completed job", "job_id", job.ID, "location", *job.ArtifactLocation)
			writeError(w, r, http.StatusNotFound, "not_found", "ArtifactMissing", nil)
			return
		}
		writeInternalError(w, r, "read artifact", err)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if job.Kind == model.JobQuestionsFromTopic {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		slog.Debug("write artifact", "job_id", job.ID, "error", err)
	}
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (model.GenerationJob, bool) {
	id := chi.URLParam(r, "jobID")
	job, err := h.Store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "JobNotFound", map[string]any{"ID": id})
		return job, false
	}
	if err != nil {
		writeInternalError(w, r, "get job", err)
		return job, false
	}
	return job, true
}
