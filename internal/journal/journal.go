// Package journal records learner activities and hands each new row to the
// policy evaluator.
package journal

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/outbox"
	"activity-pipeline/internal/telemetry"
	"activity-pipeline/internal/xapi"
)

var (
	ErrMissingUser   = errors.New("user id is required")
	ErrMissingEntity = errors.New("entity id is required")
	ErrMissingKey    = errors.New("idempotency key is required")
)

type Store interface {
	AppendActivity(ctx context.Context, a models.Activity) error
	AppendActivityWithOutbox(ctx context.Context, key string, stmt xapi.Statement, a models.Activity, now time.Time) (bool, error)
	ListActivities(ctx context.Context, userID string, limit int) ([]models.Activity, error)
}

// Evaluator reacts to recorded activities; *policy.Registry satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, a models.Activity)
}

// RecordParams describes one learner activity. Empty CourseID and
// EntityTitle are stored as NULL.
type RecordParams struct {
	UserID       string
	ActivityType models.ActivityType
	EntityID     string
	EntityTitle  string
	CourseID     string
	Metadata     map[string]any
}

// RecordResult is returned by RecordWithStatement.
type RecordResult struct {
	Activity  models.Activity `json:"activity"`
	Queued    bool            `json:"queued"`
	Duplicate bool            `json:"duplicate"`
}

type Journal struct {
	store     Store
	evaluator Evaluator
	log       *logger.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// New builds a journal. A nil evaluator disables dispatch.
func New(st Store, evaluator Evaluator, log *logger.Logger) *Journal {
	if log == nil {
		log = logger.NewNop()
	}
	return &Journal{store: st, evaluator: evaluator, log: log.With("service", "ActivityJournal"), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// Record appends the activity and dispatches it to the evaluator in the
// background. The returned error only reflects the journal write; policy
// outcomes are never reported back.
func (j *Journal) Record(ctx context.Context, p RecordParams) (models.Activity, error) {
	a, err := j.build(p)
	if err != nil {
		return models.Activity{}, err
	}
	if err := j.store.AppendActivity(ctx, a); err != nil {
		j.log.Error("failed to record activity", "user_id", a.UserID, "type", a.ActivityType, "error", err)
		return models.Activity{}, fmt.Errorf("append activity: %w", err)
	}
	telemetry.ActivitiesRecorded.WithLabelValues(string(a.ActivityType)).Inc()
	j.dispatch(ctx, a)
	return a, nil
}

// RecordWithStatement writes the journal row and the outbox entry in one
// transaction, then dispatches like Record.
func (j *Journal) RecordWithStatement(ctx context.Context, p RecordParams, stmt xapi.Statement, key string) (RecordResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return RecordResult{}, ErrMissingKey
	}
	if err := stmt.Validate(); err != nil {
		return RecordResult{}, fmt.Errorf("%w: %w", outbox.ErrInvalidStatement, err)
	}
	a, err := j.build(p)
	if err != nil {
		return RecordResult{}, err
	}

	now := j.now()
	queued, err := j.store.AppendActivityWithOutbox(ctx, key, stmt.WithTimestamp(now), a, now)
	if err != nil {
		j.log.Error("failed to record activity with statement", "user_id", a.UserID, "key", key, "error", err)
		return RecordResult{}, fmt.Errorf("append activity with outbox: %w", err)
	}
	telemetry.ActivitiesRecorded.WithLabelValues(string(a.ActivityType)).Inc()
	if queued {
		telemetry.OutboxEnqueued.Inc()
	} else {
		telemetry.OutboxDuplicates.Inc()
	}
	j.dispatch(ctx, a)
	return RecordResult{Activity: a, Queued: queued, Duplicate: !queued}, nil
}

// Timeline returns the user's activities, newest first.
func (j *Journal) Timeline(ctx context.Context, userID string, limit int) ([]models.Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if limit <= 0 {
		limit = 50
	}
	out, err := j.store.ListActivities(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}

// Wait blocks until all dispatched evaluations have returned.
func (j *Journal) Wait() {
	j.wg.Wait()
}

func (j *Journal) build(p RecordParams) (models.Activity, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return models.Activity{}, ErrMissingUser
	}
	if strings.TrimSpace(p.EntityID) == "" {
		return models.Activity{}, ErrMissingEntity
	}
	t, err := models.ParseActivityType(string(p.ActivityType))
	if err != nil {
		return models.Activity{}, err
	}
	return models.Activity{
		ID:           uuid.New().String(),
		UserID:       p.UserID,
		CourseID:     optional(p.CourseID),
		ActivityType: t,
		EntityID:     p.EntityID,
		EntityTitle:  optional(p.EntityTitle),
		Metadata:     maps.Clone(p.Metadata),
		OccurredAt:   j.now().UTC(),
	}, nil
}

func (j *Journal) dispatch(ctx context.Context, a models.Activity) {
	if j.evaluator == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				j.log.Error("policy evaluation panicked", "activity_id", a.ID, "panic", r)
			}
		}()
		j.evaluator.Evaluate(ctx, a)
	}()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
