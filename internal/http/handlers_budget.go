package http

import (
	"net/http"

	"collabverse/internal/amqp"
)

// handleGetBudget answers null when the project has no budget.
func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.finance.GetBudget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if b == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req budgetRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	stored, err := s.finance.UpsertBudget(r.Context(), r.PathValue("id"), req.toInput(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.emit(r.Context(), amqp.NewBudgetEvent(stored, actor))
	writeJSON(w, http.StatusOK, stored)
}
