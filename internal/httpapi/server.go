// Package httpapi implements the public and internal HTTP surface spec §6
// describes: task CRUD + SSE fan-out for browsers/dashboards, and
// bearer-authed claim/ack/append endpoints for workers.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskbroker/internal/broker"
	otelpkg "github.com/basket/taskbroker/internal/otel"
	"github.com/basket/taskbroker/internal/queue"
	"github.com/basket/taskbroker/internal/shared"
)

const (
	defaultTaskTailMaxCount  = 50
	defaultIndexTailMaxCount = 100
)

// Config configures Server construction.
type Config struct {
	Repo      *broker.Repository
	Queue     *queue.Queue
	Validator *broker.InputValidator
	Logger    *slog.Logger

	InternalToken     string
	SessionCookieName string
	QueueBlockSeconds int

	// WorkerMaxConcurrency is advertised on /healthz for operators
	// provisioning worker fleets; zero omits the field.
	WorkerMaxConcurrency int

	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Server is the broker's HTTP control plane.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	auth    *internalAuth
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// New constructs a Server and its routed mux.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueBlockSeconds <= 0 {
		cfg.QueueBlockSeconds = 5
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "broker_session"
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelpkg.NoopTracer()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		auth:    newInternalAuth(cfg.InternalToken),
		tracer:  tracer,
		metrics: cfg.Metrics,
	}
}

// Handler builds the routed http.Handler for the whole control plane.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Public.
	mux.HandleFunc("POST /tasks", s.withSession(s.handleCreateTask))
	mux.HandleFunc("GET /tasks", s.withSession(s.handleListOrStreamIndex))
	mux.HandleFunc("GET /tasks/{id}", s.withSession(s.handleGetTask))
	mux.HandleFunc("GET /tasks/{id}/events", s.withSession(s.handleStreamTaskEvents))

	// Internal (bearer-authed).
	mux.HandleFunc("POST /internal/worker/tasks", s.auth.wrap(s.handleClaim))
	mux.HandleFunc("POST /internal/worker/tasks/{id}/ack", s.auth.wrap(s.handleAck))
	mux.HandleFunc("POST /internal/tasks/{id}/events", s.auth.wrap(s.handleAppendEvent))

	return s.withTrace(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"workerMaxConcurrency": s.cfg.WorkerMaxConcurrency,
	})
}

// withTrace attaches a per-request trace id to the logger and context, the
// same shape the teacher's gateway uses for request correlation, and wraps
// the request in an OTel server span recording RequestDuration.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.RequestDuration.Record(ctx, duration.Seconds())
		}
		span.End()
		s.logger.Debug("request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", duration,
		)
	})
}

// withSession ensures the opaque session cookie exists, issuing one on
// first contact. The cookie is otherwise unexamined by the core — it
// exists for OAuth-token association outside this package's responsibility
// (spec §4.4).
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(s.cfg.SessionCookieName); err != nil {
			http.SetCookie(w, &http.Cookie{
				Name:     s.cfg.SessionCookieName,
				Value:    uuid.NewString(),
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
