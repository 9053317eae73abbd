package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/lrs"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/store"
	"activity-pipeline/internal/telemetry"
	"activity-pipeline/internal/xapi"
)

// Store is the slice of outbox persistence the worker mutates.
type Store interface {
	ClaimPending(ctx context.Context, p store.ClaimParams) ([]models.OutboxEntry, error)
	ExtendLease(ctx context.Context, id, token string, until time.Time) error
	MarkSent(ctx context.Context, id, token string, now time.Time) error
	MarkFailed(ctx context.Context, u store.FailureUpdate) error
	OutboxStats(ctx context.Context) (models.OutboxStats, error)
	ResetDLQ(ctx context.Context, now time.Time) (int64, error)
	ListDLQ(ctx context.Context, limit int) ([]models.OutboxEntry, error)
}

// Deliverer sends one statement; *lrs.Client satisfies it.
type Deliverer interface {
	Send(ctx context.Context, stmt xapi.Statement) lrs.SendResult
}

// Sink stores exported artifacts; *archive.Archiver satisfies it.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type Config struct {
	BatchSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Lease          time.Duration
	Concurrency    int
}

// Result summarises one ProcessOutbox invocation. Skipped counts entries
// another worker re-claimed before this one could record its outcome.
type Result struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeLeaseLost
)

// Processor drains the outbox one batch per call.
type Processor struct {
	cfg    Config
	store  Store
	client Deliverer
	log    *logger.Logger
	now    func() time.Time
}

func NewProcessor(cfg Config, st Store, client Deliverer, log *logger.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{
		cfg:    cfg,
		store:  st,
		client: client,
		log:    log.With("service", "XAPIWorker"),
		now:    time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ProcessOutbox claims up to BatchSize due entries, oldest first, and tries
// each once. Only a failed claim is returned as an error; per-entry problems
// are reported in Result.
func (p *Processor) ProcessOutbox(ctx context.Context) (Result, error) {
	entries, err := p.store.ClaimPending(ctx, store.ClaimParams{
		Now:         p.now(),
		Limit:       p.cfg.BatchSize,
		MaxAttempts: p.cfg.MaxAttempts,
		Lease:       p.cfg.Lease,
	})
	if err != nil {
		return Result{}, fmt.Errorf("claim pending: %w", err)
	}

	res := Result{Errors: []string{}}
	if len(entries) == 0 {
		p.log.Debug("no pending statements")
		p.refreshPendingGauge(ctx)
		return res, nil
	}
	p.log.Info("processing pending statements", "count", len(entries))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			out, msg := p.processEntry(ctx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSent:
				res.Processed++
			case outcomeLeaseLost:
				res.Skipped++
			default:
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", entry.IdempotencyKey, msg))
			}
			return nil
		})
	}
	_ = g.Wait()

	p.log.Info("outbox batch complete", "processed", res.Processed, "failed", res.Failed, "skipped", res.Skipped)
	p.refreshPendingGauge(ctx)
	return res, nil
}

// processEntry delivers one claimed entry. The lease is renewed right before
// the send so entries late in a sequential batch are not re-claimed while
// they wait their turn.
func (p *Processor) processEntry(ctx context.Context, entry models.OutboxEntry) (outcome, string) {
	if err := p.store.ExtendLease(ctx, entry.ID, entry.ClaimToken, p.now().Add(p.cfg.Lease)); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			p.leaseLost(entry, "before send")
			return outcomeLeaseLost, ""
		}
		p.log.Error("failed to extend lease", "id", entry.ID, "error", err)
		return outcomeFailed, fmt.Sprintf("extend lease: %v", err)
	}

	result := p.client.Send(ctx, entry.Statement)
	now := p.now()

	if result.Success {
		if err := p.store.MarkSent(ctx, entry.ID, entry.ClaimToken, now); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				p.leaseLost(entry, "after send")
				return outcomeLeaseLost, ""
			}
			// The LRS has the statement; the lease expiry will cause a redelivery.
			p.log.Error("failed to mark statement sent", "id", entry.ID, "error", err)
			return outcomeFailed, fmt.Sprintf("mark sent: %v", err)
		}
		telemetry.OutboxSent.Inc()
		p.log.Debug("statement sent", "id", entry.ID, "statement_id", result.StatementID)
		return outcomeSent, ""
	}

	attempts := entry.Attempts + 1
	update := store.FailureUpdate{
		ID:            entry.ID,
		ClaimToken:    entry.ClaimToken,
		Attempts:      attempts,
		Status:        models.OutboxPending,
		LastError:     result.Error,
		NextAttemptAt: now.Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)),
	}
	if attempts >= p.cfg.MaxAttempts {
		update.Status = models.OutboxDLQ
		update.NextAttemptAt = now
	}
	if err := p.store.MarkFailed(ctx, update); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			p.leaseLost(entry, "after failed send")
			return outcomeLeaseLost, ""
		}
		p.log.Error("failed to record delivery failure", "id", entry.ID, "error", err)
		return outcomeFailed, fmt.Sprintf("%s (mark failed: %v)", result.Error, err)
	}

	if update.Status == models.OutboxDLQ {
		telemetry.OutboxDeadLetter.Inc()
		p.log.Warn("statement moved to DLQ", "id", entry.ID, "key", entry.IdempotencyKey, "attempts", attempts, "error", result.Error)
	} else {
		telemetry.OutboxFailures.Inc()
		p.log.Debug("statement will retry", "id", entry.ID, "attempts", attempts, "next_attempt_at", update.NextAttemptAt)
	}
	return outcomeFailed, result.Error
}

func (p *Processor) leaseLost(entry models.OutboxEntry, stage string) {
	telemetry.OutboxLeaseLost.Inc()
	p.log.Warn("outbox lease lost, leaving entry to its current owner", "id", entry.ID, "key", entry.IdempotencyKey, "stage", stage)
}

func (p *Processor) refreshPendingGauge(ctx context.Context) {
	if stats, err := p.store.OutboxStats(ctx); err == nil {
		telemetry.OutboxPending.Set(float64(stats.Pending))
	}
}

// Stats returns entry counts per status.
func (p *Processor) Stats(ctx context.Context) (models.OutboxStats, error) {
	stats, err := p.store.OutboxStats(ctx)
	if err != nil {
		return models.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

// RetryDLQ moves every DLQ entry back to PENDING with a fresh attempt budget.
func (p *Processor) RetryDLQ(ctx context.Context) (int64, error) {
	moved, err := p.store.ResetDLQ(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("reset dlq: %w", err)
	}
	p.log.Info("DLQ entries reset to pending", "count", moved)
	return moved, nil
}

func (p *Processor) ListDLQ(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	entries, err := p.store.ListDLQ(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	return entries, nil
}

// ExportResult describes an uploaded DLQ snapshot.
type ExportResult struct {
	Location string `json:"location,omitempty"`
	Count    int    `json:"count"`
}

// ExportDLQ writes up to limit DLQ entries as a JSON document to sink.
// An empty DLQ uploads nothing.
func (p *Processor) ExportDLQ(ctx context.Context, sink Sink, limit int) (ExportResult, error) {
	entries, err := p.ListDLQ(ctx, limit)
	if err != nil {
		return ExportResult{}, err
	}
	if len(entries) == 0 {
		return ExportResult{}, nil
	}

	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return ExportResult{}, fmt.Errorf("marshal dlq: %w", err)
	}
	key := fmt.Sprintf("dlq/outbox-dlq-%s.json", p.now().UTC().Format("20060102T150405Z"))
	location, err := sink.Put(ctx, key, body, "application/json")
	if err != nil {
		return ExportResult{}, fmt.Errorf("upload dlq export: %w", err)
	}
	p.log.Info("DLQ exported", "count", len(entries), "location", location)
	return ExportResult{Location: location, Count: len(entries)}, nil
}

// Run calls ProcessOutbox immediately and then every interval until ctx is
// cancelled. Deployments with an external scheduler call ProcessOutbox directly.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.ProcessOutbox(ctx); err != nil {
			p.log.Error("worker run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// backoffWithJitter returns a delay in [wait/2, wait) where wait doubles per
// attempt from base and is capped at max. A zero base disables the delay.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
