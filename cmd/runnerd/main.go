package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"runnerd/internal/config"
	"runnerd/internal/daemon"
	"runnerd/internal/history"
	"runnerd/internal/jobs"
	"runnerd/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg)
		if err != nil {
			logger.Error("open history store", logging.Error(err))
			return
		}
	}

	registry := jobs.NewRegistry(cfg, logger, hist)

	d, err := daemon.New(cfg, logger, registry, hist)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("runnerd shutting down", slog.String("reason", "signal"))
}
