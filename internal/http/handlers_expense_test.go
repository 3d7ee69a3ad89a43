package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabverse/internal/amqp"
	"collabverse/internal/core"
	"collabverse/internal/log"
)

func TestCreateExpense(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/expenses", validExpense(), "X-Actor-Id", "alice")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := decode[map[string]any](t, rec)
	assert.NotEmpty(t, got["id"])
	assert.Equal(t, "12.50", got["amount"])
	assert.Equal(t, "EUR", got["currency"])
	assert.Equal(t, "draft", got["status"])
	assert.Equal(t, "alice", got["createdBy"])

	require.Len(t, ts.events.msgs, 1)
	msg := ts.events.msgs[0]
	assert.Equal(t, amqp.EventExpenseCreated, msg.Type)
	assert.Equal(t, got["id"], msg.ExpenseID)
	assert.Equal(t, "alice", msg.ActorID)
	assert.Equal(t, "w1", msg.WorkspaceID)
}

func TestCreateExpenseDefaultsActor(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/expenses", validExpense())
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "anonymous", decode[core.Expense](t, rec).CreatedBy)
}

func TestCreateExpenseValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		raw     string
		code    string
		details map[string]string
	}{
		{
			name:    "missing currency",
			mutate:  func(b map[string]any) { delete(b, "currency") },
			code:    "VALIDATION_ERROR",
			details: map[string]string{"currency": "required"},
		},
		{
			name:   "too many decimals",
			mutate: func(b map[string]any) { b["amount"] = "12.345" },
			code:   "INVALID_AMOUNT",
		},
		{
			name:   "zero amount",
			mutate: func(b map[string]any) { b["amount"] = "0.00" },
			code:   "AMOUNT_NOT_POSITIVE",
		},
		{
			name:   "bad currency",
			mutate: func(b map[string]any) { b["currency"] = "EURO" },
			code:   "INVALID_CURRENCY",
		},
		{
			name:   "unknown status",
			mutate: func(b map[string]any) { b["status"] = "paid" },
			code:   "INVALID_STATUS",
		},
		{
			name:   "bad date",
			mutate: func(b map[string]any) { b["date"] = "10/03/2024" },
			code:   "INVALID_DATE",
		},
		{
			name:    "numeric amount",
			mutate:  func(b map[string]any) { b["amount"] = 12.5 },
			code:    "VALIDATION_ERROR",
			details: map[string]string{"amount": "type"},
		},
		{
			name:    "unknown field",
			mutate:  func(b map[string]any) { b["colour"] = "red" },
			code:    "VALIDATION_ERROR",
			details: map[string]string{"colour": "unknown"},
		},
		{
			name:    "malformed json",
			raw:     `{"amount": `,
			code:    "VALIDATION_ERROR",
			details: map[string]string{"body": "json"},
		},
		{
			name:    "empty body",
			raw:     ``,
			code:    "VALIDATION_ERROR",
			details: map[string]string{"body": "required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			var body any = tt.raw
			if tt.mutate != nil {
				b := validExpense()
				tt.mutate(b)
				body = b
			}
			rec := ts.do(t, http.MethodPost, "/expenses", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			got := decode[errorResponse](t, rec)
			assert.Equal(t, tt.code, got.Error)
			if tt.details != nil {
				assert.Equal(t, tt.details, got.Details)
			}

			_, total, err := ts.store.List(context.Background(), storeAll())
			require.NoError(t, err)
			assert.Zero(t, total, "nothing is written on failure")
			assert.Empty(t, ts.events.msgs)
		})
	}
}

func TestCreateExpenseIdempotent(t *testing.T) {
	ts := newTestServer(t)

	first := ts.do(t, http.MethodPost, "/expenses", validExpense(), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)

	body := validExpense()
	body["idempotencyKey"] = "k-1"
	body["amount"] = "99.00"
	second := ts.do(t, http.MethodPost, "/expenses", body)
	require.Equal(t, http.StatusCreated, second.Code)

	a, b := decode[core.Expense](t, first), decode[core.Expense](t, second)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "12.50", b.Amount.String(), "replay returns the original record")

	_, total, err := ts.store.List(context.Background(), storeAll())
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	body["idempotencyKey"] = "k-2"
	rec := ts.do(t, http.MethodPost, "/expenses", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]string{"idempotencyKey": "mismatch"}, decode[errorResponse](t, rec).Details)
}

func TestGetExpense(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/expenses/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"NOT_FOUND"}`, rec.Body.String())

	created := decode[core.Expense](t, ts.do(t, http.MethodPost, "/expenses", validExpense()))
	rec = ts.do(t, http.MethodGet, "/expenses/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[core.Expense](t, rec).ID)
}

func TestUpdateExpenseStatusFlow(t *testing.T) {
	ts := newTestServer(t)
	created := decode[core.Expense](t, ts.do(t, http.MethodPost, "/expenses", validExpense()))
	path := "/expenses/" + created.ID

	rec := ts.do(t, http.MethodPatch, path, map[string]any{"status": "approved"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_STATUS_TRANSITION", decode[errorResponse](t, rec).Error)

	current, err := ts.store.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, current.Status)

	rec = ts.do(t, http.MethodPatch, path, map[string]any{"status": "pending"}, "X-Actor-Id", "bob")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.StatusPending, decode[core.Expense](t, rec).Status)

	last := ts.events.msgs[len(ts.events.msgs)-1]
	assert.Equal(t, amqp.EventExpenseStatusChanged, last.Type)
	assert.Equal(t, "draft", last.PreviousStatus)
	assert.Equal(t, "pending", last.Status)
	assert.Equal(t, "bob", last.ActorID)

	rec = ts.do(t, http.MethodPatch, path, map[string]any{"status": "approved", "vendor": "ACME"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[core.Expense](t, rec)
	assert.Equal(t, core.StatusApproved, updated.Status)
	assert.Equal(t, "ACME", updated.Vendor)
	assert.Equal(t, []amqp.EventType{
		amqp.EventExpenseCreated,
		amqp.EventExpenseStatusChanged,
		amqp.EventExpenseUpdated,
		amqp.EventExpenseStatusChanged,
	}, ts.events.types())
}

func TestUpdateExpenseFields(t *testing.T) {
	ts := newTestServer(t)
	body := validExpense()
	body["taxAmount"] = "2.00"
	created := decode[core.Expense](t, ts.do(t, http.MethodPost, "/expenses", body))
	path := "/expenses/" + created.ID

	rec := ts.do(t, http.MethodPatch, path, map[string]any{"amount": "20.00", "taxAmount": ""})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[map[string]any](t, rec)
	assert.Equal(t, "20.00", updated["amount"])
	assert.NotContains(t, updated, "taxAmount")
	assert.Equal(t, "p1", updated["projectId"])

	rec = ts.do(t, http.MethodPatch, path, map[string]any{"amount": "-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", decode[errorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPatch, path, map[string]any{"projectId": "p2"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]string{"projectId": "unknown"}, decode[errorResponse](t, rec).Details)

	rec = ts.do(t, http.MethodPatch, "/expenses/missing", map[string]any{"vendor": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExpenses(t *testing.T) {
	ts := newTestServer(t)
	for _, d := range []string{"2024-03-01", "2024-03-10", "2024-03-10T18:30:00Z", "2024-03-20"} {
		b := validExpense()
		b["date"] = d
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/expenses", b).Code)
	}
	other := validExpense()
	other["projectId"] = "p2"
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/expenses", other).Code)

	rec := ts.do(t, http.MethodGet, "/expenses?projectId=p1&dateFrom=2024-03-10&dateTo=2024-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[expenseListResponse](t, rec)
	assert.Len(t, page.Items, 2, "dateTo covers the whole day")
	assert.Equal(t, paginationResponse{Page: 1, PageSize: 20, Total: 2, TotalPages: 1}, page.Pagination)

	rec = ts.do(t, http.MethodGet, "/expenses?projectId=p1&page=2&pageSize=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[expenseListResponse](t, rec)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, paginationResponse{Page: 2, PageSize: 3, Total: 4, TotalPages: 2}, page.Pagination)

	rec = ts.do(t, http.MethodGet, "/expenses?projectId=none", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)

	rec = ts.do(t, http.MethodGet, "/expenses?status=paid", nil)
	assert.Equal(t, "INVALID_STATUS", decode[errorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/expenses?page=zero", nil)
	assert.Equal(t, map[string]string{"page": "min"}, decode[errorResponse](t, rec).Details)

	rec = ts.do(t, http.MethodGet, "/expenses?dateFrom=2024-04-01&dateTo=2024-03-01", nil)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorResponse](t, rec).Error)
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	var buf bytes.Buffer
	ts := newTestServer(t, func(o *Options) {
		o.Logger = log.New(log.Config{Format: "json", Output: &buf})
	})
	ts.events.err = assert.AnError

	rec := ts.do(t, http.MethodPost, "/expenses", validExpense())
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, ts.events.msgs, 1)

	var failure map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] == "Failed to publish audit event" {
			failure = entry
		}
	}
	require.NotNil(t, failure, buf.String())
	assert.Equal(t, "ERROR", failure["level"])
	assert.Equal(t, log.ComponentAMQP, failure[log.FieldComponent])
	assert.Equal(t, log.OpPublish, failure[log.FieldOperation])
	assert.Equal(t, assert.AnError.Error(), failure[log.FieldError])
	assert.Equal(t, string(amqp.EventExpenseCreated), failure[log.FieldEventType])
}

func TestEventsDisabled(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.Events = nil })
	rec := ts.do(t, http.MethodPost, "/expenses", validExpense())
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, ts.events.msgs)
}
