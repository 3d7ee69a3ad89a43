package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"collabverse/internal/core"
	"collabverse/internal/log"
)

const (
	codeNotFound    = "NOT_FOUND"
	codeRateLimited = "RATE_LIMITED"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err, "status_code", status)
	}
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: codeNotFound})
}

// writeError maps err to a status and a stable code. Only untyped errors are
// logged; their text never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: core.ErrValidation.Code, Details: reqErr.details})
		return
	}

	code := core.CodeOf(err)
	switch {
	case errors.Is(err, core.ErrIdempotencyInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: code})
	case core.IsDomainError(err):
		log.FromContext(r.Context()).DebugContext(r.Context(), "Request rejected",
			log.FieldErrorCode, code,
			log.FieldError, err.Error())
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: code})
	default:
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldError, err.Error(),
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: core.CodeInternal})
	}
}
