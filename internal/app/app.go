// Package app assembles the pipeline's services from configuration. Both
// binaries build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"

	"activity-pipeline/internal/archive"
	"activity-pipeline/internal/catalog"
	"activity-pipeline/internal/config"
	"activity-pipeline/internal/curator"
	"activity-pipeline/internal/journal"
	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/lrs"
	"activity-pipeline/internal/models"
	"activity-pipeline/internal/outbox"
	"activity-pipeline/internal/policy"
	"activity-pipeline/internal/ratelimit"
	"activity-pipeline/internal/store"
	"activity-pipeline/internal/worker"
)

// Store is the persistence surface shared by every service.
type Store interface {
	outbox.Store
	worker.Store
	journal.Store
	GetOutboxByKey(ctx context.Context, key string) (models.OutboxEntry, error)
	Close()
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*store.MemoryStore)(nil)
)

type App struct {
	Config   config.Config
	Log      *logger.Logger
	Store    Store
	Catalog  *catalog.Catalog
	LRS      *lrs.Client
	Outbox   *outbox.Service
	Worker   *worker.Processor
	Policies *policy.Registry
	Journal  *journal.Journal
	Archive  *archive.Archiver
	Redis    *redis.Client
	Limiter  *ratelimit.TokenBucket
}

// Options toggles the parts only some binaries need.
type Options struct {
	RateLimiter bool
}

// New connects the store (running migrations), the optional catalog and the
// archive sink, and wires the services on top.
func New(ctx context.Context, cfg config.Config, log *logger.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = st

	a.Catalog, err = openCatalog(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Archive, err = archive.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	a.LRS = lrs.NewClient(lrs.Config{
		Endpoint:       cfg.LRSEndpoint,
		APIKey:         cfg.LRSAPIKey,
		SecretKey:      cfg.LRSSecretKey,
		MaxRetries:     cfg.LRSMaxRetries,
		RetryDelay:     cfg.LRSRetryDelay,
		RequestTimeout: cfg.LRSRequestTimeout,
		HealthTimeout:  cfg.LRSHealthTimeout,
		Platform:       cfg.PlatformName,
		Language:       cfg.PlatformLanguage,
	}, log)

	a.Outbox = outbox.NewService(st, log)
	a.Worker = worker.NewProcessor(worker.Config{
		BatchSize:      cfg.OutboxBatchSize,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		BackoffInitial: cfg.OutboxBackoffInitial,
		BackoffMax:     cfg.OutboxBackoffMax,
		Lease:          cfg.OutboxClaimLease,
		Concurrency:    cfg.WorkerConcurrency,
	}, st, a.LRS, log)

	a.Policies = policy.NewRegistry(log, cfg.PolicyTimeout, a.defaultPolicies())
	a.Journal = journal.New(st, a.Policies, log)

	if opts.RateLimiter {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return a, nil
}

func (a *App) defaultPolicies() func() []policy.Policy {
	if a.Catalog == nil {
		return nil
	}
	var gen policy.ContentGenerator
	if a.Config.AIAPIKey != "" {
		gen = curator.NewGenerator(curator.Config{
			BaseURL: a.Config.AIBaseURL,
			APIKey:  a.Config.AIAPIKey,
			Model:   a.Config.AIModel,
		}, a.Catalog, a.Log)
	} else {
		a.Log.Info("AI_API_KEY not set, curator policy disabled")
	}
	return policy.Defaults(a.Catalog, a.Catalog, gen)
}

// Shutdown waits for background dispatches and policy effects, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		if a.Journal != nil {
			a.Journal.Wait()
		}
		if a.Policies != nil {
			a.Policies.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Log.Warn("shutdown timed out waiting for policies")
	}
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Catalog != nil {
		_ = a.Catalog.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openCatalog(ctx context.Context, cfg config.Config, log *logger.Logger) (*catalog.Catalog, error) {
	switch cfg.CatalogDriver {
	case "none", "":
		return nil, nil
	case "postgres":
		c, err := catalog.OpenPostgres(cfg.CatalogDSN, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "sqlite":
		c, err := catalog.Open(sqlite.Open(cfg.CatalogDSN), log)
		if err != nil {
			return nil, err
		}
		if err := c.Migrate(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("migrate catalog: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown CATALOG_DRIVER %q", cfg.CatalogDriver)
	}
}
