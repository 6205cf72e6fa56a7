// Command taskwatch runs the background task tracking daemon. It watches jobs
// on the job server until they finish and serves the tracked state to local
// UI surfaces over HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/taskwatch/internal/config"
	"github.com/phrazzld/taskwatch/internal/platform/logger"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "taskwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("taskwatch", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a config file (default: ./config.yaml if present)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Log, os.Stdout)
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"job_server", cfg.Remote.BaseURL,
		"database_enabled", cfg.Database.Enabled,
		"nats_enabled", cfg.NATS.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, *cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	return app.serve(ctx)
}
