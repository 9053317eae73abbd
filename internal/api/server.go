package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"activity-pipeline/internal/config"
	"activity-pipeline/internal/journal"
	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/lrs"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/outbox"
	"activity-pipeline/internal/telemetry"
	"activity-pipeline/internal/worker"
)

// Limiter gates write endpoints per user.
type Limiter interface {
	AllowUser(ctx context.Context, userID string) (bool, error)
}

// OutboxReader looks up individual outbox entries for operators.
type OutboxReader interface {
	GetOutboxByKey(ctx context.Context, key string) (models.OutboxEntry, error)
}

// Deps are the services behind the HTTP surface. Limiter and Archive are
// optional.
type Deps struct {
	Outbox  *outbox.Service
	Journal *journal.Journal
	Worker  *worker.Processor
	Entries OutboxReader
	LRS     *lrs.Client
	Limiter Limiter
	Archive worker.Sink
}

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *logger.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With("service", "API")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/statements", s.handleEnqueueStatement)
	r.Post("/activities", s.handleRecordActivity)
	r.Post("/events", s.handleRecordEvent)
	r.Get("/users/{id}/activities", s.handleTimeline)

	r.Group(func(r chi.Router) {
		r.Use(s.requireCronSecret)
		r.Post("/cron/xapi-worker", s.handleProcessOutbox)
		r.Get("/cron/xapi-worker", s.handleStats)
		r.Get("/outbox/dlq", s.handleListDLQ)
		r.Post("/outbox/dlq/retry", s.handleRetryDLQ)
		r.Post("/outbox/dlq/export", s.handleExportDLQ)
		r.Get("/outbox/{key}", s.handleGetEntry)
		r.Get("/lrs/health", s.handleLRSHealth)
		r.Get("/lrs/statements", s.handleQueryLRS)
	})
	return r
}

// requireCronSecret rejects operator calls without the shared secret. An
// unset secret locks the routes entirely.
func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Cron-Secret")
		if s.cfg.CronSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.CronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow applies the per-user token bucket. It writes the rejection itself and
// reports whether the handler should continue.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	allowed, err := s.deps.Limiter.AllowUser(r.Context(), userID)
	if err != nil {
		// a limiter outage must not block learners
		s.log.Warn("rate limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func userFromRequest(r *http.Request, fallback string) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
