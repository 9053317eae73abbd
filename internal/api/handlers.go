package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"activity-pipeline/internal/journal"
	"activity-pipeline/internal/lrs"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/outbox"
	"activity-pipeline/internal/store"
	"activity-pipeline/internal/xapi"
)

type enqueueRequest struct {
	Statement      xapi.Statement `json:"statement"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type activityRequest struct {
	UserID       string         `json:"user_id"`
	ActivityType string         `json:"activity_type"`
	EntityID     string         `json:"entity_id"`
	EntityTitle  string         `json:"entity_title"`
	CourseID     string         `json:"course_id"`
	Metadata     map[string]any `json:"metadata"`
}

type eventRequest struct {
	Activity       activityRequest `json:"activity"`
	Statement      xapi.Statement  `json:"statement"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleEnqueueStatement(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.allow(w, r, userFromRequest(r, req.Statement.Actor.Mbox)) {
		return
	}

	res, err := s.deps.Outbox.Enqueue(r.Context(), req.Statement, req.IdempotencyKey)
	switch {
	case errors.Is(err, outbox.ErrMissingKey), errors.Is(err, outbox.ErrInvalidStatement):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "outbox unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (p activityRequest) params() (journal.RecordParams, error) {
	t, err := models.ParseActivityType(p.ActivityType)
	if err != nil {
		return journal.RecordParams{}, err
	}
	return journal.RecordParams{
		UserID:       p.UserID,
		ActivityType: t,
		EntityID:     p.EntityID,
		EntityTitle:  p.EntityTitle,
		CourseID:     p.CourseID,
		Metadata:     p.Metadata,
	}, nil
}

func isValidation(err error) bool {
	return errors.Is(err, journal.ErrMissingUser) ||
		errors.Is(err, journal.ErrMissingEntity) ||
		errors.Is(err, journal.ErrMissingKey) ||
		errors.Is(err, outbox.ErrInvalidStatement) ||
		errors.Is(err, xapi.ErrMissingActor) ||
		errors.Is(err, xapi.ErrMissingVerb) ||
		errors.Is(err, xapi.ErrMissingObject)
}

func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allow(w, r, userFromRequest(r, req.UserID)) {
		return
	}

	a, err := s.deps.Journal.Record(r.Context(), params)
	switch {
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to record activity")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	params, err := req.Activity.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allow(w, r, userFromRequest(r, req.Activity.UserID)) {
		return
	}

	res, err := s.deps.Journal.RecordWithStatement(r.Context(), params, req.Statement, req.IdempotencyKey)
	switch {
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items, err := s.deps.Journal.Timeline(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read activities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleProcessOutbox(w http.ResponseWriter, r *http.Request) {
	// a cron caller hanging up must not abort sends halfway through the batch
	res, err := s.deps.Worker.ProcessOutbox(context.WithoutCancel(r.Context()))
	if err != nil {
		s.log.Error("error processing outbox", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	body := map[string]any{"success": true, "processed": res.Processed, "failed": res.Failed}
	if res.Skipped > 0 {
		body["skipped"] = res.Skipped
	}
	if len(res.Errors) > 0 {
		body["errors"] = res.Errors
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Worker.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Worker.ListDLQ(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	moved, err := s.deps.Worker.RetryDLQ(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": moved})
}

func (s *Server) handleExportDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	res, err := s.deps.Worker.ExportDLQ(r.Context(), s.deps.Archive, queryInt(r, "limit", s.cfg.ArchiveDefaultLimit))
	if err != nil {
		s.log.Error("dlq export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Entries.GetOutboxByKey(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLRSHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.LRS.HealthCheck(r.Context())
	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleQueryLRS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTime(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}
	until, err := parseTime(q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "until must be RFC3339")
		return
	}

	res, err := s.deps.LRS.QueryStatements(r.Context(), lrs.Query{
		Limit:    queryInt(r, "limit", 20),
		Verb:     q.Get("verb"),
		Agent:    q.Get("agent"),
		Activity: q.Get("activity"),
		Since:    since,
		Until:    until,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
