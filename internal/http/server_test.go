package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabverse/internal/amqp"
	"collabverse/internal/core"
	"collabverse/internal/log"
	"collabverse/internal/services"
	"collabverse/internal/store"
	"collabverse/internal/store/memory"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*amqp.ExpenseEventMessage
	err  error
}

func (p *recordingPublisher) PublishExpenseEvent(ctx context.Context, msg *amqp.ExpenseEventMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) types() []amqp.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]amqp.EventType, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Type
	}
	return out
}

type testServer struct {
	*Server
	store  store.ExpenseStore
	events *recordingPublisher
}

func newTestServer(t *testing.T, opts ...func(*Options)) *testServer {
	t.Helper()
	st := memory.New()
	return newTestServerWithStore(t, st, opts...)
}

func newTestServerWithStore(t *testing.T, st store.ExpenseStore, opts ...func(*Options)) *testServer {
	t.Helper()
	events := &recordingPublisher{}
	o := Options{
		Events:             events,
		Logger:             log.New(log.Config{Output: io.Discard}),
		RateLimitPerMinute: 1000,
	}
	for _, opt := range opts {
		opt(&o)
	}
	srv := NewServer(":0", services.NewFinanceService(st), o)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testServer{Server: srv, store: st, events: events}
}

func (ts *testServer) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func validExpense() map[string]any {
	return map[string]any{
		"workspaceId": "w1",
		"projectId":   "p1",
		"date":        "2024-03-10",
		"amount":      "12.50",
		"currency":    "eur",
		"category":    "Travel",
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, func(o *Options) {
		o.Ready = pingerFunc(func(context.Context) error { return errors.New("db gone") })
	})
	rec = down.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddlewareHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, "X-Request-ID", "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = ts.do(t, http.MethodGet, "/.env", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), ts.Metrics().SuspiciousRequests)
}

func TestMetricsLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("Request totals", "metrics", Metrics{Requests: 7, ServerErrors: 1, RateLimited: 2})

	var line struct {
		Metrics map[string]int64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, map[string]int64{
		"requests":            7,
		"server_errors":       1,
		"rate_limited":        2,
		"suspicious_requests": 0,
	}, line.Metrics)
}

func TestRateLimitAppliesToMutatingRequests(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.RateLimitPerMinute = 1 })

	rec := ts.do(t, http.MethodPost, "/expenses", validExpense())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/expenses", validExpense())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"RATE_LIMITED"}`, rec.Body.String())
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	for i := 0; i < 3; i++ {
		rec = ts.do(t, http.MethodGet, "/expenses", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int64(1), ts.Metrics().RateLimited)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) FindByID(context.Context, string) (*core.Expense, error) {
	return nil, errors.New("disk on fire")
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	ts := newTestServerWithStore(t, brokenStore{memory.New()})

	rec := ts.do(t, http.MethodGet, "/expenses/e1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"INTERNAL_ERROR"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "disk")
	assert.Equal(t, int64(1), ts.Metrics().ServerErrors)
}

func TestWrongMethodIsRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodDelete, "/expenses/e1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
