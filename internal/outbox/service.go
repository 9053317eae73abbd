// Package outbox is the write side of the xAPI delivery pipeline. Callers
// enqueue statements under deterministic idempotency keys; only the worker
// ever changes an entry afterwards.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/telemetry"
	"activity-pipeline/internal/xapi"
)

var (
	ErrMissingKey       = errors.New("idempotency key is required")
	ErrInvalidStatement = errors.New("invalid statement")
)

// Store is the persistence needed by Service.
type Store interface {
	InsertOutbox(ctx context.Context, key string, stmt xapi.Statement, now time.Time) (bool, error)
}

// EnqueueResult reports whether a new entry was written. A duplicate key is
// not an error.
type EnqueueResult struct {
	Queued    bool `json:"queued"`
	Duplicate bool `json:"duplicate"`
}

type Service struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func NewService(st Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{store: st, log: log.With("service", "XAPIOutbox"), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enqueue inserts the statement unless an entry with the same key exists.
// Storage failures are returned; callers log them and carry on with their
// primary operation.
func (s *Service) Enqueue(ctx context.Context, stmt xapi.Statement, key string) (EnqueueResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return EnqueueResult{}, ErrMissingKey
	}
	if err := stmt.Validate(); err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %w", ErrInvalidStatement, err)
	}

	now := s.now()
	inserted, err := s.store.InsertOutbox(ctx, key, stmt.WithTimestamp(now), now)
	if err != nil {
		s.log.Error("failed to enqueue statement", "key", key, "error", err)
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if !inserted {
		telemetry.OutboxDuplicates.Inc()
		s.log.Debug("duplicate statement skipped", "key", key)
		return EnqueueResult{Duplicate: true}, nil
	}

	telemetry.OutboxEnqueued.Inc()
	s.log.Debug("statement queued", "key", key, "verb", stmt.Verb.ID)
	return EnqueueResult{Queued: true}, nil
}
