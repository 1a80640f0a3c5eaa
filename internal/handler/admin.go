package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	appI18n "github.com/pavelanni/courseai/internal/i18n"
	"github.com/pavelanni/courseai/internal/importer"
	"github.com/pavelanni/courseai/internal/model"
	"github.com/pavelanni/courseai/internal/store"
)

const maxUploadBytes = 10 << 20

// requireToken admits requests carrying the admin bearer token.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListAssessments(r.Context())
	if err != nil {
		writeInternalError(w, r, "list assessments", err)
		return
	}
	if list == nil {
		list = []model.Assessment{}
	}
	writeJSON(w, http.StatusOK, list)
}

type uploadResponse struct {
	importer.Result
	Message string `json:"message"`
}

func (h *Handler) handleUploadAssessments(w http.ResponseWriter, r *http.Request) {
	if h.Importer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "InternalError", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeInvalid(w, r, "file too large or not multipart")
		return
	}

	file, header, err := r.FormFile("assessments_file")
	if err != nil {
		writeInvalid(w, r, "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeInternalError(w, r, "read upload", err)
		return
	}

	res, err := h.Importer.Import(r.Context(), header.Filename, data)
	if errors.Is(err, importer.ErrInvalid) {
		writeError(w, r, http.StatusBadRequest, "invalid_file", "InvalidAssessmentsFile", map[string]any{"Detail": err.Error()})
		return
	}
	if err != nil {
		writeInternalError(w, r, "import assessments", err)
		return
	}

	resp := uploadResponse{Result: res}
	status := http.StatusCreated
	if res.Status == importer.StatusImported {
		resp.Message = appI18n.Tp(r.Context(), "ImportedAssessments", len(res.AssessmentIDs))
		slog.Info("uploaded assessments via admin", "filename", header.Filename, "assessments", len(res.AssessmentIDs))
	} else {
		resp.Message = appI18n.T(r.Context(), "ImportUnchanged")
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleExportAssessment(w http.ResponseWriter, r *http.Request) {
	id, ok := assessmentIDParam(w, r)
	if !ok {
		return
	}
	export, err := h.Store.ExportAssessment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "AssessmentNotFound", map[string]any{"ID": id})
		return
	}
	if err != nil {
		writeInternalError(w, r, "export assessment", err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
