package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"

	"github.com/phrazzld/captionq/internal/app"
	"github.com/phrazzld/captionq/internal/config"
	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/task"
)

type workerFlags struct {
	tiers      []domain.Priority
	redisAddr  string
	count      int
	configPath string
}

func parseFlags(args []string) (workerFlags, error) {
	fs := pflag.NewFlagSet("captionq-worker", pflag.ContinueOnError)
	tiers := fs.String("tiers", "", "comma-separated tiers to serve, in service order (required)")
	redisAddr := fs.String("redis-addr", "", "broker address, overriding configuration")
	count := fs.Int("count", 1, "number of worker units to run")
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return workerFlags{}, err
	}

	if strings.TrimSpace(*tiers) == "" {
		return workerFlags{}, errors.New("--tiers is required")
	}
	parsed, err := domain.ParseTiers(*tiers)
	if err != nil {
		return workerFlags{}, fmt.Errorf("invalid --tiers: %w", err)
	}
	if *count < 1 {
		return workerFlags{}, fmt.Errorf("invalid --count %d: must be at least 1", *count)
	}
	return workerFlags{
		tiers:      parsed,
		redisAddr:  *redisAddr,
		count:      *count,
		configPath: *configPath,
	}, nil
}

// apply folds flag overrides into cfg and revalidates it.
func (f workerFlags) apply(cfg *config.Config) error {
	if f.redisAddr != "" {
		cfg.Redis.Addr = f.redisAddr
	}
	// This process is the worker; it never spawns more.
	cfg.Workers.Integrated = false
	return config.Validate(cfg)
}

// run serves the configured tiers until ctx is cancelled, then stops the
// units gracefully within the configured shutdown timeout.
func run(ctx context.Context, cfg *config.Config, flags workerFlags, log *slog.Logger, opts app.Options) error {
	log = log.With("component", "external_worker", "tiers", task.TierSet{Tiers: flags.tiers, Count: flags.count}.String())

	a, err := app.New(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close()

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

	sets := []task.TierSet{{Tiers: flags.tiers, Count: flags.count}}
	if err := a.Workers.StartIntegrated(context.Background(), sets); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	log.Info("worker started", "units", flags.count)

	<-ctx.Done()
	log.Info("stopping worker")
	if err := a.Workers.Stop(true, cfg.Workers.ShutdownTimeout); err != nil {
		return fmt.Errorf("worker stop: %w", err)
	}
	log.Info("worker stopped")
	return nil
}
