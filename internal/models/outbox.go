package models

import (
	"time"

	"activity-pipeline/internal/xapi"
)

// OutboxStatus enumerates lifecycle states persisted for outbox entries.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxDLQ     OutboxStatus = "DLQ"
)

// OutboxEntry wraps a statement for reliable delivery to the LRS.
type OutboxEntry struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Statement      xapi.Statement `json:"statement"`
	Status         OutboxStatus   `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	CreatedAt      time.Time      `json:"created_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	// ClaimToken identifies the claim that returned this entry. Only the
	// holder of the latest token may transition it.
	ClaimToken     string         `json:"-"`
}

// OutboxStats counts entries per status. Failed is the number of pending
// entries that have failed at least once and are waiting for a retry.
type OutboxStats struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	DLQ     int64 `json:"dlq"`
}
