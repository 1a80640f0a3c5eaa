package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/courseai/internal/i18n"
	"github.com/pavelanni/courseai/internal/llm"
	"github.com/pavelanni/courseai/internal/llm/prompts"
	"github.com/pavelanni/courseai/internal/model"
)

type assistRequest struct {
	Question string `json:"question" validate:"required,max=4000"`
	Context  string `json:"context" validate:"max=20000"`
}

type chunkEvent struct {
	Content string `json:"content"`
}

// handleAssistStream relays the assistant's answer as server-sent events:
// one unnamed event per chunk, then "done", or "error" if the upstream
// fails mid-stream. The stream ends when the client goes away.
func (h *Handler) handleAssistStream(w http.ResponseWriter, r *http.Request) {
	if h.Assistant == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "AssistantUnavailable", nil)
		return
	}
	var req assistRequest
	if !h.decode(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, r, "assist stream", errors.New("response writer does not support flushing"))
		return
	}
	system, err := prompts.BuildAssist(prompts.AssistData{Context: req.Context})
	if err != nil {
		writeInternalError(w, r, "build assist prompt", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	turns := []model.ConversationTurn{model.System(system), model.User(req.Question)}
	chunks := 0
	for chunk, err := range h.Assistant.CompleteStreaming(r.Context(), turns) {
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			slog.Warn("assistant stream failed", "chunks", chunks, "error", err)
			code := "unavailable"
			var ue *llm.UpstreamError
			if errors.As(err, &ue) {
				code = "upstream_" + string(ue.Kind)
			}
			writeEvent(w, "error", errorResponse{
				Error:   code,
				Message: appI18n.T(r.Context(), "AssistantUnavailable"),
			})
			flusher.Flush()
			return
		}
		chunks++
		if err := writeEvent(w, "", chunkEvent{Content: chunk}); err != nil {
			slog.Debug("assistant client went away", "chunks", chunks, "error", err)
			return
		}
		flusher.Flush()
	}
	writeEvent(w, "done", struct{}{})
	flusher.Flush()
}

// writeEvent writes one SSE frame with a JSON payload. JSON keeps newlines
// inside chunks from breaking the framing.
func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
