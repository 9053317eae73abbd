package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"activity-pipeline/internal/app"
	"activity-pipeline/internal/config"
	"activity-pipeline/internal/logger"
	"activity-pipeline/internal/telemetry"
)

var (
	cfg config.Config
	log *logger.Logger

	runInterval time.Duration
	exportLimit int
)

var rootCmd = &cobra.Command{
	Use:           "worker",
	Short:         "Deliver queued xAPI statements to the LRS",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		var err error
		log, err = logger.New(cfg.Env)
		return err
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one outbox batch and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			res, err := a.Worker.ProcessOutbox(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"success":   true,
				"processed": res.Processed,
				"failed":    res.Failed,
				"skipped":   res.Skipped,
				"errors":    res.Errors,
			})
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the outbox on an interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval := runInterval
		if interval <= 0 {
			interval = cfg.WorkerInterval
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			metrics := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           telemetry.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn("metrics server stopped", "error", err)
				}
			}()
			defer metrics.Close()

			log.Info("worker started",
				"interval", interval,
				"batch", cfg.OutboxBatchSize,
				"max_attempts", cfg.OutboxMaxAttempts,
				"backoff_initial", cfg.OutboxBackoffInitial)
			if err := a.Worker.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("worker stopped")
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print outbox counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			stats, err := a.Worker.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var retryDLQCmd = &cobra.Command{
	Use:   "retry-dlq",
	Short: "Move every dead-lettered entry back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			moved, err := a.Worker.RetryDLQ(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"success": true, "count": moved})
		})
	},
}

var exportDLQCmd = &cobra.Command{
	Use:   "export-dlq",
	Short: "Upload a JSON snapshot of the dead-letter queue to the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := exportLimit
		if limit <= 0 {
			limit = cfg.ArchiveDefaultLimit
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			res, err := a.Worker.ExportDLQ(ctx, a.Archive, limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "time between batches (defaults to WORKER_INTERVAL)")
	exportDLQCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum entries to export (defaults to ARCHIVE_DEFAULT_LIMIT)")

	rootCmd.AddCommand(processCmd, runCmd, statsCmd, retryDLQCmd, exportDLQCmd)
}

// withApp builds the services, runs fn and releases connections afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		stop()
		os.Exit(1)
	}
}
