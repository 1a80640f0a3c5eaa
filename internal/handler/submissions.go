package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
	"github.com/pavelanni/courseai/internal/submission"
)

type submitRequest struct {
	ParticipantID string            `json:"participant_id" validate:"required,max=128"`
	Answers       map[string]string `json:"answers" validate:"required_without=Content"`
	Content       string            `json:"content" validate:"max=200000"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	assessmentID, ok := assessmentIDParam(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.Submissions.Submit(r.Context(), assessmentID, req.ParticipantID, model.Payload{
		Answers: req.Answers,
		Content: req.Content,
	})
	switch {
	case errors.Is(err, submission.ErrAlreadySubmitted):
		writeError(w, r, http.StatusConflict, "already_submitted", "AlreadySubmitted", nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "AssessmentNotFound", map[string]any{"ID": assessmentID})
	case errors.Is(err, submission.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "ServiceClosing", nil)
	case err != nil:
		writeInternalError(w, r, "submit", err)
	default:
		writeJSON(w, http.StatusCreated, sub)
	}
}

func (h *Handler) handleCheckSubmitted(w http.ResponseWriter, r *http.Request) {
	assessmentID, ok := assessmentIDParam(w, r)
	if !ok {
		return
	}
	submitted, err := h.Submissions.CheckSubmitted(r.Context(), assessmentID, chi.URLParam(r, "participantID"))
	if err != nil {
		writeInternalError(w, r, "check submitted", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"submitted": submitted})
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	assessmentID, ok := assessmentIDParam(w, r)
	if !ok {
		return
	}
	subs, err := h.Submissions.List(r.Context(), assessmentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "AssessmentNotFound", map[string]any{"ID": assessmentID})
		return
	}
	if err != nil {
		writeInternalError(w, r, "list submissions", err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}
