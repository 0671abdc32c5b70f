package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/phrazzld/captionq/internal/api"
	"github.com/phrazzld/captionq/internal/app"
	"github.com/phrazzld/captionq/internal/config"
	"github.com/phrazzld/captionq/internal/platform/postgres"
	"github.com/phrazzld/captionq/internal/task"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// runMigration opens the database and runs a single goose command.
func runMigration(ctx context.Context, cfg *config.Config, log *slog.Logger, command string) error {
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return postgres.Migrate(ctx, db, log, command)
}

// run serves the API until ctx is cancelled, then shuts down in order:
// HTTP first so no new tasks arrive, then workers, then the monitor.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, opts app.Options) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	return serve(ctx, listener, cfg, log, opts)
}

func serve(ctx context.Context, listener net.Listener, cfg *config.Config, log *slog.Logger, opts app.Options) error {
	a, err := app.New(ctx, cfg, log, opts)
	if err != nil {
		_ = listener.Close()
		return err
	}
	defer a.Close()

	if a.DB != nil {
		if err := postgres.Migrate(ctx, a.DB, log, "up"); err != nil {
			_ = listener.Close()
			return err
		}
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		a.Monitor.Run(monitorCtx)
	}()
	defer func() {
		stopMonitor()
		<-monitorDone
	}()

	var workers api.WorkerPool
	if cfg.Workers.Integrated {
		sets, err := task.ParseTierSets(cfg.Workers.TierSets)
		if err != nil {
			_ = listener.Close()
			return err
		}
		if err := a.Workers.StartIntegrated(context.Background(), sets); err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to start integrated workers: %w", err)
		}
		workers = a.Workers
		defer func() {
			if err := a.Workers.Stop(true, cfg.Workers.ShutdownTimeout); err != nil {
				log.Error("worker shutdown incomplete", "error", err)
			}
		}()
	}

	router := api.NewRouter(
		api.NewTaskHandler(a.Queue, a.History(), app.RetryPolicy(cfg.Queue), log),
		api.NewAdminHandler(a.Queue, workers, a.Monitor, log),
		log,
	)
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", listener.Addr().String())
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}
