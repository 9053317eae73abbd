package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/telemetry"
)

// Registry holds the registered policies and runs their effects in the
// background. Create one at startup and share it.
type Registry struct {
	mu       sync.RWMutex
	policies []Policy
	names    map[string]struct{}

	defaults     func() []Policy
	defaultsOnce sync.Once

	flights singleflight.Group
	wg      sync.WaitGroup
	timeout time.Duration
	log     *logger.Logger
}

// NewRegistry builds an empty registry. defaults, when non-nil, is consulted
// once on the first Evaluate and only if nothing has been registered by then.
func NewRegistry(log *logger.Logger, timeout time.Duration, defaults func() []Policy) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Registry{
		names:    make(map[string]struct{}),
		defaults: defaults,
		timeout:  timeout,
		log:      log.With("service", "PolicyOrchestrator"),
	}
}

// Register adds p unless a policy with the same name exists. It reports
// whether p was added.
func (r *Registry) Register(p Policy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[p.Name()]; ok {
		return false
	}
	r.names[p.Name()] = struct{}{}
	r.policies = append(r.policies, p)
	r.log.Info("registered policy", "policy", p.Name())
	return true
}

// Policies returns the registered policies in registration order.
func (r *Registry) Policies() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Policy(nil), r.policies...)
}

// Evaluate checks every policy subscribed to the activity's type. Predicates
// run inline; effects run on their own goroutines with a context detached
// from ctx and bounded by the registry timeout. Nothing a policy does is
// reported back to the caller.
func (r *Registry) Evaluate(ctx context.Context, a models.Activity) {
	r.installDefaults()
	pc := newContext(a)

	for _, p := range r.Policies() {
		if !matches(p, pc.ActivityType) {
			continue
		}
		if !r.shouldExecute(ctx, p, pc) {
			continue
		}
		r.spawn(ctx, p, pc)
	}
}

// Wait blocks until every spawned effect has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) installDefaults() {
	r.defaultsOnce.Do(func() {
		if r.defaults == nil || len(r.Policies()) > 0 {
			return
		}
		for _, p := range r.defaults() {
			r.Register(p)
		}
	})
}

func (r *Registry) shouldExecute(ctx context.Context, p Policy, pc Context) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("policy predicate panicked", "policy", p.Name(), "panic", rec)
			ok = false
		}
	}()
	ok, err := p.ShouldExecute(ctx, pc)
	if err != nil {
		r.log.Error("policy predicate failed", "policy", p.Name(), "user_id", pc.UserID, "error", err)
		return false
	}
	return ok
}

func (r *Registry) spawn(ctx context.Context, p Policy, pc Context) {
	ctx = context.WithoutCancel(ctx)
	key := executionKey(p, pc)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		_, _, _ = r.flights.Do(key, func() (any, error) {
			// the state may have changed since the inline check
			if !r.shouldExecute(ctx, p, pc) {
				telemetry.PolicyExecutions.WithLabelValues(p.Name(), "skipped").Inc()
				return nil, nil
			}
			err := r.execute(ctx, p, pc)
			return nil, err
		})
	}()
}

func (r *Registry) execute(ctx context.Context, p Policy, pc Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			telemetry.PolicyExecutions.WithLabelValues(p.Name(), "panic").Inc()
			r.log.Error("policy execution panicked", "policy", p.Name(), "user_id", pc.UserID, "panic", rec)
		}
	}()

	r.log.Info("executing policy", "policy", p.Name(), "user_id", pc.UserID, "course_id", pc.CourseID)
	if err := p.Execute(ctx, pc); err != nil {
		telemetry.PolicyExecutions.WithLabelValues(p.Name(), "error").Inc()
		r.log.Error("policy execution failed", "policy", p.Name(), "user_id", pc.UserID, "error", err)
		return err
	}
	telemetry.PolicyExecutions.WithLabelValues(p.Name(), "success").Inc()
	return nil
}
