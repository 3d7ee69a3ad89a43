package http

import (
	"net/http"

	"collabverse/internal/amqp"
	"collabverse/internal/core"
)

type (
	paginationResponse struct {
		Page       int `json:"page"`
		PageSize   int `json:"pageSize"`
		Total      int `json:"total"`
		TotalPages int `json:"totalPages"`
	}

	expenseListResponse struct {
		Items      []core.Expense     `json:"items"`
		Pagination paginationResponse `json:"pagination"`
	}
)

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req createExpenseRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.finance.CreateExpense(r.Context(), req.toInput(key), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Replays of an idempotent create publish again; consumers key on expenseId.
	s.emit(r.Context(), amqp.NewExpenseEvent(amqp.EventExpenseCreated, created, actor))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.finance.ListExpenses(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := page.Items
	if items == nil {
		items = []core.Expense{}
	}
	writeJSON(w, http.StatusOK, expenseListResponse{
		Items: items,
		Pagination: paginationResponse{
			Page:       page.Page,
			PageSize:   page.PageSize,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
	})
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.finance.GetExpense(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if e == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req updateExpenseRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.finance.UpdateExpense(r.Context(), r.PathValue("id"), req.toInput(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if updated == nil {
		writeNotFound(w)
		return
	}

	if req.changesFields() {
		s.emit(r.Context(), amqp.NewExpenseEvent(amqp.EventExpenseUpdated, *updated, actor))
	}
	if req.Status != nil {
		s.emit(r.Context(), amqp.NewStatusChangedEvent(*updated, actor))
	}
	writeJSON(w, http.StatusOK, updated)
}
