package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"activity-pipeline/internal/api"
	"activity-pipeline/internal/app"
	"activity-pipeline/internal/config"
	"activity-pipeline/internal/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.New(ctx, cfg, log, app.Options{RateLimiter: true})
	if err != nil {
		log.Fatal("failed to start", "error", err)
	}
	defer a.Close()

	server := api.New(cfg, api.Deps{
		Outbox:  a.Outbox,
		Journal: a.Journal,
		Worker:  a.Worker,
		Entries: a.Store,
		LRS:     a.LRS,
		Limiter: a.Limiter,
		Archive: a.Archive,
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "catalog", cfg.CatalogDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	a.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
