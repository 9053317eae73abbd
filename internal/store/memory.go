package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"activity-pipeline/internal/models"
	"activity-pipeline/internal/xapi"
)

type memEntry struct {
	entry       models.OutboxEntry
	lockedUntil time.Time
	claimToken  string
	seq         int64
}

// MemoryStore is an in-process implementation of the outbox and journal
// persistence. It honours the same contracts as Store (unique idempotency
// keys, leased FIFO claims) and is used for local development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	byKey      map[string]string
	activities []models.Activity
	seq        int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		byKey:   make(map[string]string),
	}
}

func (m *MemoryStore) InsertOutbox(_ context.Context, key string, stmt xapi.Statement, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(key, stmt, now), nil
}

func (m *MemoryStore) insertLocked(key string, stmt xapi.Statement, now time.Time) bool {
	if _, ok := m.byKey[key]; ok {
		return false
	}
	m.seq++
	now = now.UTC()
	id := uuid.New().String()
	m.entries[id] = &memEntry{
		entry: models.OutboxEntry{
			ID:             id,
			IdempotencyKey: key,
			Statement:      stmt,
			Status:         models.OutboxPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
		},
		seq: m.seq,
	}
	m.byKey[key] = id
	return true
}

func (m *MemoryStore) ClaimPending(_ context.Context, p ClaimParams) ([]models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := p.Now.UTC()
	var due []*memEntry
	for _, e := range m.entries {
		if e.entry.Status != models.OutboxPending || e.entry.Attempts >= p.MaxAttempts {
			continue
		}
		if e.entry.NextAttemptAt.After(now) || e.lockedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	slices.SortFunc(due, func(a, b *memEntry) int {
		if c := a.entry.CreatedAt.Compare(b.entry.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if p.Limit > 0 && len(due) > p.Limit {
		due = due[:p.Limit]
	}
	token := uuid.NewString()
	out := make([]models.OutboxEntry, 0, len(due))
	for _, e := range due {
		e.lockedUntil = now.Add(p.Lease)
		e.claimToken = token
		c := copyEntry(e.entry)
		c.ClaimToken = token
		out = append(out, c)
	}
	return out, nil
}

// owned returns the entry when token holds its current claim.
func (m *MemoryStore) owned(id, token string) (*memEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	if e.entry.Status != models.OutboxPending || e.claimToken == "" || e.claimToken != token {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (m *MemoryStore) ExtendLease(_ context.Context, id, token string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.owned(id, token)
	if err != nil {
		return err
	}
	e.lockedUntil = until.UTC()
	return nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id, token string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.owned(id, token)
	if err != nil {
		return err
	}
	t := now.UTC()
	e.entry.Status = models.OutboxSent
	e.entry.ProcessedAt = &t
	e.lockedUntil = time.Time{}
	e.claimToken = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, u FailureUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.owned(u.ID, u.ClaimToken)
	if err != nil {
		return err
	}
	msg := u.LastError
	e.entry.Status = u.Status
	e.entry.Attempts = u.Attempts
	e.entry.LastError = &msg
	e.entry.NextAttemptAt = u.NextAttemptAt.UTC()
	e.lockedUntil = time.Time{}
	e.claimToken = ""
	return nil
}

func (m *MemoryStore) OutboxStats(_ context.Context) (models.OutboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.OutboxStats
	for _, e := range m.entries {
		switch e.entry.Status {
		case models.OutboxPending:
			stats.Pending++
			if e.entry.Attempts > 0 {
				stats.Failed++
			}
		case models.OutboxSent:
			stats.Sent++
		case models.OutboxDLQ:
			stats.DLQ++
		}
	}
	return stats, nil
}

func (m *MemoryStore) ResetDLQ(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved int64
	for _, e := range m.entries {
		if e.entry.Status != models.OutboxDLQ {
			continue
		}
		e.entry.Status = models.OutboxPending
		e.entry.Attempts = 0
		e.entry.LastError = nil
		e.entry.NextAttemptAt = now.UTC()
		e.lockedUntil = time.Time{}
		e.claimToken = ""
		moved++
	}
	return moved, nil
}

func (m *MemoryStore) ListDLQ(_ context.Context, limit int) ([]models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dlq []*memEntry
	for _, e := range m.entries {
		if e.entry.Status == models.OutboxDLQ {
			dlq = append(dlq, e)
		}
	}
	slices.SortFunc(dlq, func(a, b *memEntry) int { return cmp.Compare(a.seq, b.seq) })
	if limit > 0 && len(dlq) > limit {
		dlq = dlq[:limit]
	}
	out := make([]models.OutboxEntry, 0, len(dlq))
	for _, e := range dlq {
		out = append(out, copyEntry(e.entry))
	}
	return out, nil
}

func (m *MemoryStore) GetOutboxByKey(_ context.Context, key string) (models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return models.OutboxEntry{}, fmt.Errorf("outbox key %q: %w", key, ErrNotFound)
	}
	return copyEntry(m.entries[id].entry), nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, a models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(a)
	return nil
}

func (m *MemoryStore) appendLocked(a models.Activity) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now()
	}
	a.Metadata = maps.Clone(a.Metadata)
	m.activities = append(m.activities, a)
}

func (m *MemoryStore) AppendActivityWithOutbox(_ context.Context, key string, stmt xapi.Statement, a models.Activity, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(a)
	return m.insertLocked(key, stmt, now), nil
}

func (m *MemoryStore) ListActivities(_ context.Context, userID string, limit int) ([]models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Activity
	for i := len(m.activities) - 1; i >= 0; i-- {
		a := m.activities[i]
		if a.UserID != userID {
			continue
		}
		a.Metadata = maps.Clone(a.Metadata)
		out = append(out, a)
	}
	slices.SortStableFunc(out, func(a, b models.Activity) int { return b.OccurredAt.Compare(a.OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of outbox entries held.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func copyEntry(e models.OutboxEntry) models.OutboxEntry {
	if e.LastError != nil {
		msg := *e.LastError
		e.LastError = &msg
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		e.ProcessedAt = &t
	}
	return e
}

// Close is a no-op; it lets MemoryStore stand in for Store.
func (m *MemoryStore) Close() {}
