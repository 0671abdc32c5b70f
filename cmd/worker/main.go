// Package main implements the external captionq worker. It serves a fixed
// set of priority tiers against a shared broker and exits gracefully on
// SIGTERM, finishing the tasks it holds.
package main

import (
	"context"
	"errors"
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
	flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadFrom(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := flags.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(logger.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, flags, log, app.Options{})
	stop()

	if err != nil {
		log.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}
