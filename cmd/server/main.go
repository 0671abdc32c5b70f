// Package main implements the captionq API server. It accepts caption
// generation tasks over HTTP, exposes queue and worker administration and,
// unless disabled, runs integrated workers in the same process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/phrazzld/captionq/internal/app"
	"github.com/phrazzld/captionq/internal/config"
	"github.com/phrazzld/captionq/internal/platform/logger"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	migrate := pflag.String("migrate", "", "run a migration command (up, down, status, version, reset) and exit")
	pflag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(logger.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if *migrate != "" {
		err = runMigration(ctx, cfg, log, *migrate)
	} else {
		err = run(ctx, cfg, log, app.Options{})
	}
	stop()

	if err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
