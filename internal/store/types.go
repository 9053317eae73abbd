package store

import (
	"errors"
	"time"

	"activity-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when an outbox entry was re-claimed by another
	// worker, or already left PENDING, since the caller claimed it.
	ErrLeaseLost = errors.New("outbox lease lost")
)

// ClaimParams selects the next batch of deliverable outbox entries.
type ClaimParams struct {
	Now         time.Time
	Limit       int
	MaxAttempts int
	// Lease hides claimed rows from other workers until it expires or the
	// row is transitioned.
	Lease time.Duration
}

// FailureUpdate records a failed delivery attempt.
type FailureUpdate struct {
	ID            string
	ClaimToken    string
	Attempts      int
	Status        models.OutboxStatus
	LastError     string
	NextAttemptAt time.Time
}
