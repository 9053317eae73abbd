package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"activity-pipeline/internal/models"
	"activity-pipeline/internal/xapi"
)

// Store wraps pgxpool for Postgres persistence of the outbox and the activity journal.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const outboxColumns = `id, idempotency_key, statement, status, attempts, last_error, next_attempt_at, created_at, processed_at`

// InsertOutbox inserts a PENDING entry unless the idempotency key already exists.
// It reports whether a row was written; a duplicate key is not an error.
func (s *Store) InsertOutbox(ctx context.Context, key string, stmt xapi.Statement, now time.Time) (bool, error) {
	return insertOutbox(ctx, s.pool, key, stmt, now)
}

func insertOutbox(ctx context.Context, db execer, key string, stmt xapi.Statement, now time.Time) (bool, error) {
	payload, err := json.Marshal(stmt)
	if err != nil {
		return false, fmt.Errorf("marshal statement: %w", err)
	}
	now = now.UTC()
	tag, err := db.Exec(ctx, `
		INSERT INTO xapi_outbox (id, idempotency_key, statement, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, uuid.New().String(), key, payload, string(models.OutboxPending), now)
	if err != nil {
		return false, fmt.Errorf("insert outbox: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPending leases up to p.Limit deliverable entries, oldest first. Row
// locks are taken with SKIP LOCKED and the lease column keeps the rows hidden
// from overlapping workers after the claiming statement commits. Every
// returned entry carries the claim token that later transitions must present.
func (s *Store) ClaimPending(ctx context.Context, p ClaimParams) ([]models.OutboxEntry, error) {
	now := p.Now.UTC()
	token := uuid.NewString()
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM xapi_outbox
			WHERE status = $1
			  AND attempts < $2
			  AND next_attempt_at <= $3
			  AND (locked_until IS NULL OR locked_until <= $3)
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE xapi_outbox o
		SET locked_until = $5, claim_token = $6
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.idempotency_key, o.statement, o.status, o.attempts, o.last_error, o.next_attempt_at, o.created_at, o.processed_at
	`, string(models.OutboxPending), p.MaxAttempts, now, p.Limit, now.Add(p.Lease), token)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].ClaimToken = token
	}
	// RETURNING does not preserve the CTE ordering.
	slices.SortStableFunc(entries, func(a, b models.OutboxEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return entries, nil
}

// ExtendLease pushes the lease of a claimed entry to until. It fails with
// ErrLeaseLost when token no longer owns the entry.
func (s *Store) ExtendLease(ctx context.Context, id, token string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE xapi_outbox
		SET locked_until = $4
		WHERE id = $1 AND status = $2 AND claim_token = $3
	`, id, string(models.OutboxPending), token, until.UTC())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkSent transitions a claimed entry to SENT.
func (s *Store) MarkSent(ctx context.Context, id, token string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE xapi_outbox
		SET status = $3, processed_at = $4, locked_until = NULL, claim_token = NULL
		WHERE id = $1 AND status = $5 AND claim_token = $2
	`, id, token, string(models.OutboxSent), now.UTC(), string(models.OutboxPending))
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed records a failed attempt, its error and the next eligible time.
func (s *Store) MarkFailed(ctx context.Context, u FailureUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE xapi_outbox
		SET status = $3, attempts = $4, last_error = $5, next_attempt_at = $6, locked_until = NULL, claim_token = NULL
		WHERE id = $1 AND status = $7 AND claim_token = $2
	`, u.ID, u.ClaimToken, string(u.Status), u.Attempts, u.LastError, u.NextAttemptAt.UTC(), string(models.OutboxPending))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// OutboxStats counts entries per status.
func (s *Store) OutboxStats(ctx context.Context) (models.OutboxStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE attempts > 0)
		FROM xapi_outbox
		GROUP BY status
	`)
	if err != nil {
		return models.OutboxStats{}, fmt.Errorf("query outbox stats: %w", err)
	}
	defer rows.Close()

	var stats models.OutboxStats
	for rows.Next() {
		var status string
		var count, retrying int64
		if err := rows.Scan(&status, &count, &retrying); err != nil {
			return models.OutboxStats{}, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch models.OutboxStatus(status) {
		case models.OutboxPending:
			stats.Pending = count
			stats.Failed = retrying
		case models.OutboxSent:
			stats.Sent = count
		case models.OutboxDLQ:
			stats.DLQ = count
		}
	}
	return stats, rows.Err()
}

// ResetDLQ moves every DLQ entry back to PENDING with a clean attempt counter.
func (s *Store) ResetDLQ(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE xapi_outbox
		SET status = $1, attempts = 0, last_error = NULL, next_attempt_at = $3, locked_until = NULL, claim_token = NULL
		WHERE status = $2
	`, string(models.OutboxPending), string(models.OutboxDLQ), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDLQ returns dead-lettered entries, oldest first.
func (s *Store) ListDLQ(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM xapi_outbox
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(models.OutboxDLQ), limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	return collectEntries(rows)
}

// GetOutboxByKey fetches an entry by its idempotency key.
func (s *Store) GetOutboxByKey(ctx context.Context, key string) (models.OutboxEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM xapi_outbox WHERE idempotency_key = $1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxEntry{}, fmt.Errorf("outbox key %q: %w", key, ErrNotFound)
	}
	return e, err
}

// AppendActivity inserts a journal row. It never deduplicates.
func (s *Store) AppendActivity(ctx context.Context, a models.Activity) error {
	return appendActivity(ctx, s.pool, a)
}

// AppendActivityWithOutbox writes a journal row and an outbox entry in one
// transaction. The journal row is written even when the outbox key is a duplicate.
func (s *Store) AppendActivityWithOutbox(ctx context.Context, key string, stmt xapi.Statement, a models.Activity, now time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := appendActivity(ctx, tx, a); err != nil {
		return false, err
	}
	inserted, err := insertOutbox(ctx, tx, key, stmt, now)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func appendActivity(ctx context.Context, db execer, a models.Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now()
	}
	var meta []byte
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = raw
	}
	_, err := db.Exec(ctx, `
		INSERT INTO learner_activity (id, user_id, course_id, activity_type, entity_id, entity_title, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.UserID, a.CourseID, string(a.ActivityType), a.EntityID, a.EntityTitle, meta, a.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns a user's journal, newest first.
func (s *Store) ListActivities(ctx context.Context, userID string, limit int) ([]models.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, course_id, activity_type, entity_id, entity_title, metadata, occurred_at
		FROM learner_activity
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var activityType string
		var courseID, title pgtype.Text
		var meta []byte
		if err := rows.Scan(&a.ID, &a.UserID, &courseID, &activityType, &a.EntityID, &title, &meta, &a.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.ActivityType = models.ActivityType(activityType)
		a.CourseID = textPtr(courseID)
		a.EntityTitle = textPtr(title)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectEntries(rows pgx.Rows) ([]models.OutboxEntry, error) {
	defer rows.Close()
	var out []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (models.OutboxEntry, error) {
	var e models.OutboxEntry
	var payload []byte
	var status string
	var lastErr pgtype.Text
	var processed pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.IdempotencyKey, &payload, &status, &e.Attempts, &lastErr, &e.NextAttemptAt, &e.CreatedAt, &processed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OutboxEntry{}, err
		}
		return models.OutboxEntry{}, fmt.Errorf("scan outbox entry: %w", err)
	}
	if err := json.Unmarshal(payload, &e.Statement); err != nil {
		return models.OutboxEntry{}, fmt.Errorf("unmarshal statement: %w", err)
	}
	e.Status = models.OutboxStatus(status)
	e.LastError = textPtr(lastErr)
	if processed.Valid {
		t := processed.Time
		e.ProcessedAt = &t
	}
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
