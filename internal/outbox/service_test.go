package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-pipeline/internal/store"
	"activity-pipeline/internal/xapi"
)

type brokenStore struct{}

func (brokenStore) InsertOutbox(context.Context, string, xapi.Statement, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func lessonStatement() xapi.Statement {
	return xapi.Statement{
		Actor:  xapi.NewAgent("alice@example.com", "Alice"),
		Verb:   xapi.VerbCompleted,
		Object: xapi.NewActivity("https://lxp.example/lessons/42", xapi.TypeLesson, "Lesson 42", ""),
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	svc := NewService(st, nil).WithClock(func() time.Time { return now })
	key := xapi.IdempotencyKey("lesson_complete", "alice", "lesson-42")

	res, err := svc.Enqueue(context.Background(), lessonStatement(), key)
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Queued: true}, res)

	res, err = svc.Enqueue(context.Background(), lessonStatement(), key)
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Duplicate: true}, res)
	assert.Equal(t, 1, st.Len())

	entry, err := st.GetOutboxByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry.Statement.Timestamp)
	assert.True(t, entry.Statement.Timestamp.Equal(now))
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)

	_, err := svc.Enqueue(context.Background(), lessonStatement(), "  ")
	assert.ErrorIs(t, err, ErrMissingKey)

	stmt := lessonStatement()
	stmt.Verb = xapi.Verb{}
	_, err = svc.Enqueue(context.Background(), stmt, "k")
	assert.ErrorIs(t, err, ErrInvalidStatement)
	assert.ErrorIs(t, err, xapi.ErrMissingVerb)
}

func TestEnqueueReportsStorageFailure(t *testing.T) {
	svc := NewService(brokenStore{}, nil)
	res, err := svc.Enqueue(context.Background(), lessonStatement(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, res.Queued)
	assert.False(t, res.Duplicate)
}
