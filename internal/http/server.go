package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"collabverse/internal/amqp"
	"collabverse/internal/log"
	"collabverse/internal/middleware/ratelimit"
	"collabverse/internal/middleware/security"
	"collabverse/internal/middleware/trace"
	"collabverse/internal/services"
)

// EventPublisher sends audit events to the message broker.
type EventPublisher interface {
	PublishExpenseEvent(ctx context.Context, msg *amqp.ExpenseEventMessage) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the optional collaborators of a Server.
type Options struct {
	// Events is nil when publishing is disabled; audit lines are still logged.
	Events             EventPublisher
	Ready              Pinger
	Logger             *log.Logger
	RateLimitPerMinute int
}

// Server is the JSON boundary of the finance service.
type Server struct {
	http.Server
	finance  *services.FinanceService
	events   EventPublisher
	ready    Pinger
	audit    *log.StructuredLogger
	validate *validator.Validate

	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, finance *services.FinanceService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	detector := security.NewDetector()
	s := &Server{
		finance:  finance,
		events:   opts.Events,
		ready:    opts.Ready,
		audit:    log.NewStructuredLogger(logger),
		validate: newValidator(),
		limiter:  ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitPerMinute}),
		detector: detector,
		tracer:   trace.NewMiddleware(detector.ExtractClientIP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("POST /expenses", s.handleCreateExpense)
	mux.HandleFunc("GET /expenses", s.handleListExpenses)
	mux.HandleFunc("GET /expenses/{id}", s.handleGetExpense)
	mux.HandleFunc("PATCH /expenses/{id}", s.handleUpdateExpense)
	mux.HandleFunc("GET /projects/{id}/budget", s.handleGetBudget)
	mux.HandleFunc("PUT /projects/{id}/budget", s.handlePutBudget)

	// Outermost first
	chain := []func(http.Handler) http.Handler{
		s.tracer.Middleware,
		log.Middleware(logger),
		log.RequestIDMiddleware(trace.RequestIDFromRequest),
		security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware,
		detector.Middleware,
		s.limiter.Middleware(detector.ExtractClientIP, ratelimit.IsMutating, s.handleRateLimited),
	}
	var handler http.Handler = mux
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server and the rate limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// Metrics is a snapshot of the middleware counters.
type Metrics struct {
	Requests           int64
	ServerErrors       int64
	RateLimited        int64
	SuspiciousRequests int64
}

// LogValue groups the counters under one log attribute.
func (m Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("requests", m.Requests),
		slog.Int64("server_errors", m.ServerErrors),
		slog.Int64("rate_limited", m.RateLimited),
		slog.Int64("suspicious_requests", m.SuspiciousRequests),
	)
}

func (s *Server) Metrics() Metrics {
	tm := s.tracer.GetMetrics()
	return Metrics{
		Requests:           tm.TotalRequests,
		ServerErrors:       tm.ServerErrors,
		RateLimited:        s.limiter.GetMetrics().TotalHits,
		SuspiciousRequests: s.detector.GetMetrics().SuspiciousRequests,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "Readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: codeRateLimited})
}
