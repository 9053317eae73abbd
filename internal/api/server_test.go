package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-pipeline/internal/archive"
	"activity-pipeline/internal/config"
	"activity-pipeline/internal/journal"
	"activity-pipeline/internal/lrs"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/outbox"
	"activity-pipeline/internal/ratelimit"
	"activity-pipeline/internal/store"
	"activity-pipeline/internal/worker"
	"activity-pipeline/internal/xapi"
)

const secret = "s3cret"

type testEnv struct {
	handler  http.Handler
	store    *store.MemoryStore
	lrsCalls *atomic.Int32
	lrsFail  *atomic.Bool
}

func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	var calls atomic.Int32
	var fail atomic.Bool
	lrsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"statements":[],"more":""}`))
			return
		}
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`["lrs-1"]`))
	}))
	t.Cleanup(lrsSrv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{CronSecret: secret, ArchiveDefaultLimit: 100}
	st := store.NewMemoryStore()
	client := lrs.NewClient(lrs.Config{Endpoint: lrsSrv.URL, MaxRetries: 1}, nil)
	deps := Deps{
		Outbox:  outbox.NewService(st, nil),
		Journal: journal.New(st, nil, nil),
		Worker:  worker.NewProcessor(worker.Config{MaxAttempts: 1}, st, client, nil),
		Entries: st,
		LRS:     client,
		Limiter: ratelimit.NewTokenBucket(rdb, capacity, 0.001, time.Hour),
		Archive: archive.NewLocal(t.TempDir()),
	}
	return &testEnv{handler: New(cfg, deps, nil).Router(), store: st, lrsCalls: &calls, lrsFail: &fail}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

var cron = map[string]string{"X-Cron-Secret": secret}

func statementBody(key string) map[string]any {
	return map[string]any{
		"statement": xapi.Statement{
			Actor:  xapi.NewAgent("alice@example.com", "Alice"),
			Verb:   xapi.VerbCompleted,
			Object: xapi.NewActivity("https://lxp.example/lessons/1", xapi.TypeLesson, "Lesson 1", ""),
		},
		"idempotency_key": key,
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 10)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEnqueueStatement(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/statements", statementBody("lesson_complete:alice:1"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":true,"duplicate":false}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/statements", statementBody("lesson_complete:alice:1"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":false,"duplicate":true}`, rec.Body.String())
	assert.Equal(t, 1, env.store.Len())

	rec = env.do(t, http.MethodPost, "/statements", statementBody(""), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/statements", map[string]any{"statement": map[string]any{}, "idempotency_key": "k"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueRateLimited(t *testing.T) {
	env := newTestEnv(t, 2)
	headers := map[string]string{"X-User-ID": "alice"}
	for i, want := range []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests} {
		rec := env.do(t, http.MethodPost, "/statements", statementBody("k"+string(rune('a'+i))), headers)
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
	rec := env.do(t, http.MethodPost, "/statements", statementBody("other"), map[string]string{"X-User-ID": "bob"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecordActivityAndTimeline(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/activities", map[string]any{
		"user_id": "alice", "activity_type": "lesson_complete", "entity_id": "lesson-1", "course_id": "course-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var a models.Activity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, models.ActivityLessonComplete, a.ActivityType)

	rec = env.do(t, http.MethodPost, "/activities", map[string]any{"user_id": "alice", "activity_type": "NAPPING", "entity_id": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/activities", map[string]any{"activity_type": "ENROLLMENT", "entity_id": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/users/alice/activities?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []models.Activity `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 1)
}

func TestRecordEvent(t *testing.T) {
	env := newTestEnv(t, 10)
	body := statementBody("enroll:alice:course-1")
	body["activity"] = map[string]any{"user_id": "alice", "activity_type": "ENROLLMENT", "entity_id": "course-1", "course_id": "course-1"}

	rec := env.do(t, http.MethodPost, "/events", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res journal.RecordResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Queued)
	assert.Equal(t, 1, env.store.Len())
}

func TestOperatorRoutesRequireSecret(t *testing.T) {
	env := newTestEnv(t, 10)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/cron/xapi-worker"},
		{http.MethodGet, "/cron/xapi-worker"},
		{http.MethodGet, "/outbox/dlq"},
		{http.MethodPost, "/outbox/dlq/retry"},
		{http.MethodGet, "/lrs/health"},
	} {
		rec := env.do(t, tc.method, tc.path, nil, map[string]string{"X-Cron-Secret": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestCronWorkerFlow(t *testing.T) {
	env := newTestEnv(t, 10)
	env.do(t, http.MethodPost, "/statements", statementBody("ok"), nil)

	rec := env.do(t, http.MethodPost, "/cron/xapi-worker", nil, cron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"processed":1,"failed":0}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/outbox/ok", nil, cron)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry models.OutboxEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, models.OutboxSent, entry.Status)

	rec = env.do(t, http.MethodGet, "/outbox/missing", nil, cron)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// with MaxAttempts 1 a single failure dead-letters the entry
	env.lrsFail.Store(true)
	env.do(t, http.MethodPost, "/statements", statementBody("bad"), nil)
	rec = env.do(t, http.MethodPost, "/cron/xapi-worker", nil, cron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed":1`)

	rec = env.do(t, http.MethodGet, "/cron/xapi-worker", nil, cron)
	assert.JSONEq(t, `{"pending":0,"sent":1,"failed":0,"dlq":1}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/outbox/dlq", nil, cron)
	assert.Contains(t, rec.Body.String(), `"idempotency_key":"bad"`)

	rec = env.do(t, http.MethodPost, "/outbox/dlq/export", nil, cron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(t, http.MethodPost, "/outbox/dlq/retry", nil, cron)
	assert.JSONEq(t, `{"success":true,"count":1}`, rec.Body.String())

	env.lrsFail.Store(false)
	rec = env.do(t, http.MethodPost, "/cron/xapi-worker", nil, cron)
	assert.Contains(t, rec.Body.String(), `"processed":1`)
}

func TestLRSRoutes(t *testing.T) {
	env := newTestEnv(t, 10)
	rec := env.do(t, http.MethodGet, "/lrs/health", nil, cron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)

	rec = env.do(t, http.MethodGet, "/lrs/statements?limit=5&agent=alice@example.com", nil, cron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"statements":[]`)

	rec = env.do(t, http.MethodGet, "/lrs/statements?since=yesterday", nil, cron)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCronWorkerSurvivesCallerDisconnect(t *testing.T) {
	env := newTestEnv(t, 10)
	env.do(t, http.MethodPost, "/statements", statementBody("ok"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/cron/xapi-worker", nil).WithContext(ctx)
	req.Header.Set("X-Cron-Secret", secret)
	env.handler.ServeHTTP(httptest.NewRecorder(), req)

	entry, err := env.store.GetOutboxByKey(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, entry.Status)
	assert.Equal(t, 0, entry.Attempts)
}
