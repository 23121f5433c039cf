// Command worker consumes registration events from the queue, logs them and
// deletes them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	runtimepkg "github.com/drblury/userevents/internal/runtime"
	configpkg "github.com/drblury/userevents/internal/runtime/config"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	_ "github.com/drblury/userevents/transport/transports"
)

func main() {
	configPath := flag.String("config", os.Getenv(configpkg.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := configpkg.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := loggingpkg.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With(loggingpkg.LogFields{"process": "worker"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := runtimepkg.NewService(ctx, &cfg, logger, runtimepkg.ServiceDependencies{})
	if err != nil {
		return err
	}
	if err := svc.RunWorker(ctx); err != nil {
		logger.Error("Worker stopped with error", err, nil)
		return err
	}
	logger.Info("Worker stopped", nil)
	return nil
}
