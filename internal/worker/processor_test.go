package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-pipeline/internal/archive"
	"activity-pipeline/internal/lrs"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/outbox"
	"activity-pipeline/internal/store"
	"activity-pipeline/internal/xapi"
)

// flakyLRS fails the first failures sends and accepts the rest.
type flakyLRS struct {
	mu       sync.Mutex
	failures int
	calls    int
	objects  []string
}

func (f *flakyLRS) Send(_ context.Context, stmt xapi.Statement) lrs.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.objects = append(f.objects, stmt.Object.ID)
	if f.calls <= f.failures {
		return lrs.SendResult{Error: "LRS error: 503 - unavailable"}
	}
	return lrs.SendResult{Success: true, StatementID: fmt.Sprintf("stmt-%d", f.calls)}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store  *store.MemoryStore
	outbox *outbox.Service
	proc   *Processor
	clock  *fakeClock
}

func newHarness(t *testing.T, client Deliverer, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 10 * time.Second
		cfg.BackoffMax = time.Minute
	}
	return &harness{
		store:  st,
		outbox: outbox.NewService(st, nil).WithClock(clock.Now),
		proc:   NewProcessor(cfg, st, client, nil).WithClock(clock.Now),
		clock:  clock,
	}
}

func (h *harness) enqueue(t *testing.T, key string) {
	t.Helper()
	stmt := xapi.Statement{
		Actor:  xapi.NewAgent("alice@example.com", "Alice"),
		Verb:   xapi.VerbCompleted,
		Object: xapi.NewActivity("https://lxp.example/lessons/"+key, xapi.TypeLesson, key, ""),
	}
	res, err := h.outbox.Enqueue(context.Background(), stmt, key)
	require.NoError(t, err)
	require.True(t, res.Queued)
	// distinct created_at keeps FIFO order observable
	h.clock.Advance(time.Millisecond)
}

// run advances past any scheduled backoff and processes one batch.
func (h *harness) run(t *testing.T) Result {
	t.Helper()
	h.clock.Advance(2 * time.Minute)
	res, err := h.proc.ProcessOutbox(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) entry(t *testing.T, key string) models.OutboxEntry {
	t.Helper()
	e, err := h.store.GetOutboxByKey(context.Background(), key)
	require.NoError(t, err)
	return e
}

func TestTransientFailuresThenSent(t *testing.T) {
	client := &flakyLRS{failures: 2}
	h := newHarness(t, client, Config{})
	h.enqueue(t, "lesson_complete:alice:lesson-42")

	res := h.run(t)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "lesson_complete:alice:lesson-42")

	e := h.entry(t, "lesson_complete:alice:lesson-42")
	assert.Equal(t, models.OutboxPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.LastError)
	assert.Contains(t, *e.LastError, "503")
	assert.True(t, e.NextAttemptAt.After(h.clock.Now()), "retry is scheduled in the future")

	h.run(t)
	res = h.run(t)
	assert.Equal(t, Result{Processed: 1, Errors: []string{}}, res)

	e = h.entry(t, "lesson_complete:alice:lesson-42")
	assert.Equal(t, models.OutboxSent, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.NotNil(t, e.ProcessedAt)
}

func TestMaxAttemptsMovesToDLQ(t *testing.T) {
	client := &flakyLRS{failures: 100}
	h := newHarness(t, client, Config{MaxAttempts: 5})
	h.enqueue(t, "k")

	for i := 0; i < 5; i++ {
		res := h.run(t)
		assert.Equal(t, 1, res.Failed, "run %d", i+1)
	}
	e := h.entry(t, "k")
	assert.Equal(t, models.OutboxDLQ, e.Status)
	assert.Equal(t, 5, e.Attempts)

	res := h.run(t)
	assert.Zero(t, res.Processed+res.Failed, "DLQ entries are never selected")
	assert.Equal(t, 5, client.calls)

	stats, err := h.proc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStats{DLQ: 1}, stats)
}

func TestRetryDLQRoundTrip(t *testing.T) {
	client := &flakyLRS{failures: 5}
	h := newHarness(t, client, Config{MaxAttempts: 5})
	h.enqueue(t, "k")
	for i := 0; i < 5; i++ {
		h.run(t)
	}
	require.Equal(t, models.OutboxDLQ, h.entry(t, "k").Status)

	moved, err := h.proc.RetryDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	e := h.entry(t, "k")
	assert.Equal(t, models.OutboxPending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Nil(t, e.LastError)

	res, err := h.proc.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed, "reset entries are eligible immediately")
	assert.Equal(t, models.OutboxSent, h.entry(t, "k").Status)
}

func TestBatchIsOldestFirst(t *testing.T) {
	client := &flakyLRS{}
	h := newHarness(t, client, Config{BatchSize: 50})
	for i := 0; i < 60; i++ {
		h.enqueue(t, fmt.Sprintf("k%02d", i))
	}

	res := h.run(t)
	assert.Equal(t, 50, res.Processed)
	require.Len(t, client.objects, 50)
	for i, obj := range client.objects {
		assert.Equal(t, fmt.Sprintf("https://lxp.example/lessons/k%02d", i), obj)
	}
	assert.Equal(t, models.OutboxPending, h.entry(t, "k50").Status)

	res = h.run(t)
	assert.Equal(t, 10, res.Processed)
}

func TestConcurrentBatch(t *testing.T) {
	client := &flakyLRS{}
	h := newHarness(t, client, Config{Concurrency: 4})
	for i := 0; i < 20; i++ {
		h.enqueue(t, fmt.Sprintf("k%d", i))
	}
	res := h.run(t)
	assert.Equal(t, 20, res.Processed)
	assert.Equal(t, 20, client.calls)

	stats, err := h.proc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Sent)
}

func TestDuplicateEnqueueDeliversOnce(t *testing.T) {
	client := &flakyLRS{}
	h := newHarness(t, client, Config{})
	h.enqueue(t, "enroll:alice:course-1")

	res, err := h.outbox.Enqueue(context.Background(), xapi.Statement{
		Actor:  xapi.NewAgent("alice@example.com", "Alice"),
		Verb:   xapi.VerbEnrolled,
		Object: xapi.NewActivity("https://lxp.example/courses/course-1", xapi.TypeCourse, "Course", ""),
	}, "enroll:alice:course-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	h.run(t)
	assert.Equal(t, 1, client.calls)
}

func TestEndToEndWithLRS(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`["lrs-id-1"]`))
	}))
	defer srv.Close()

	client := lrs.NewClient(lrs.Config{Endpoint: srv.URL, MaxRetries: 1}, nil)
	h := newHarness(t, client, Config{})
	h.enqueue(t, "lesson_complete:alice:lesson-42")

	for i := 0; i < 3; i++ {
		h.run(t)
	}
	e := h.entry(t, "lesson_complete:alice:lesson-42")
	assert.Equal(t, models.OutboxSent, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorCountsAsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid statement", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := lrs.NewClient(lrs.Config{Endpoint: srv.URL, MaxRetries: 3}, nil)
	h := newHarness(t, client, Config{})
	h.enqueue(t, "k")
	h.run(t)

	e := h.entry(t, "k")
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.LastError)
	assert.Contains(t, *e.LastError, "invalid statement")
}

func TestExportDLQ(t *testing.T) {
	client := &flakyLRS{failures: 100}
	h := newHarness(t, client, Config{MaxAttempts: 1})
	h.enqueue(t, "a")
	h.enqueue(t, "b")
	h.run(t)

	dir := t.TempDir()
	out, err := h.proc.ExportDLQ(context.Background(), archive.NewLocal(dir), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)

	raw, err := os.ReadFile(out.Location)
	require.NoError(t, err)
	var entries []models.OutboxEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, models.OutboxDLQ, entries[0].Status)

	empty := newHarness(t, client, Config{})
	out, err = empty.proc.ExportDLQ(context.Background(), archive.NewLocal(dir), 10)
	require.NoError(t, err)
	assert.Zero(t, out.Count)
	assert.Empty(t, out.Location)
}

func TestRunStopsOnCancel(t *testing.T) {
	client := &flakyLRS{}
	h := newHarness(t, client, Config{})
	h.enqueue(t, "k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		return h.entry(t, "k").Status == models.OutboxSent
	}, time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for i := 0; i < 50; i++ {
		b1 := backoffWithJitter(base, max, 1)
		if b1 < base/2 || b1 > base {
			t.Fatalf("backoff out of range: %s", b1)
		}
		b3 := backoffWithJitter(base, max, 3)
		if b3 < 2*base || b3 > 4*base {
			t.Fatalf("backoff out of range for attempt 3: %s", b3)
		}
		b10 := backoffWithJitter(base, max, 10)
		if b10 < max/2 || b10 > max {
			t.Fatalf("backoff not capped: %s", b10)
		}
	}
	if got := backoffWithJitter(0, max, 4); got != 0 {
		t.Fatalf("zero base should disable backoff, got %s", got)
	}
}

// blockingLRS parks every send until release is closed, then fails it.
type blockingLRS struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLRS) Send(_ context.Context, _ xapi.Statement) lrs.SendResult {
	b.entered <- struct{}{}
	<-b.release
	return lrs.SendResult{Error: "LRS error: 503 - unavailable"}
}

func TestStaleWorkerCannotOverwriteSentEntry(t *testing.T) {
	slow := &blockingLRS{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, slow, Config{Lease: 2 * time.Minute})
	h.enqueue(t, "lesson_complete:alice:lesson-7")

	done := make(chan Result, 1)
	go func() {
		res, err := h.proc.ProcessOutbox(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	<-slow.entered

	// the first worker's lease runs out while its send is still in flight
	h.clock.Advance(3 * time.Minute)
	fast := &flakyLRS{}
	other := NewProcessor(Config{Lease: 2 * time.Minute}, h.store, fast, nil).WithClock(h.clock.Now)
	res, err := other.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, models.OutboxSent, h.entry(t, "lesson_complete:alice:lesson-7").Status)

	close(slow.release)
	stale := <-done
	assert.Equal(t, 0, stale.Processed)
	assert.Equal(t, 0, stale.Failed)
	assert.Equal(t, 1, stale.Skipped)

	e := h.entry(t, "lesson_complete:alice:lesson-7")
	assert.Equal(t, models.OutboxSent, e.Status)
	assert.Equal(t, 0, e.Attempts)
	assert.Nil(t, e.LastError)
}

func TestLeaseRenewedBeforeEachSend(t *testing.T) {
	slow := &blockingLRS{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, slow, Config{Lease: 2 * time.Minute, BatchSize: 2, BackoffInitial: time.Hour, BackoffMax: time.Hour})
	h.enqueue(t, "k1")
	h.enqueue(t, "k2")

	done := make(chan Result, 1)
	go func() {
		res, _ := h.proc.ProcessOutbox(context.Background())
		done <- res
	}()

	// k1 is in flight; the batch is 90s old by the time k2 gets its turn
	<-slow.entered
	h.clock.Advance(90 * time.Second)
	slow.release <- struct{}{}
	<-slow.entered

	// 90s later k2's original lease has expired but the renewed one has not
	h.clock.Advance(90 * time.Second)
	claimed, err := h.store.ClaimPending(context.Background(), store.ClaimParams{Now: h.clock.Now(), Limit: 10, MaxAttempts: 5, Lease: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	close(slow.release)
	res := <-done
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.Skipped)
}
