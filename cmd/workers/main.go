package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/app"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/config"
	"event-certs/certificate-backend/internal/logging"
	"event-certs/certificate-backend/internal/workers"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLogs, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	if !a.Signing.Configured() {
		logger.Fatal("Resign worker requires a signing identity")
	}

	workerCfg := workers.DefaultResignConfig()
	workerCfg.Schedule = cfg.Worker.ResignSchedule
	workerCfg.Limit = cfg.Worker.ResignLimit
	workerCfg.Actor = cfg.Worker.Actor
	workerCfg.ChunkSize = cfg.Batch.ChunkSize
	workerCfg.ChunkPause = cfg.Batch.ChunkPause

	// the worker signs under its own roster entry so the audit trail names it
	if _, err := a.Authorizer.Roster().Add(ctx, workerCfg.Actor, auth.RoleSigner); err != nil {
		logger.Fatal("Failed to register worker signer", zap.Error(err))
	}

	worker := workers.NewResignWorker(a.Certificates, a.Orchestrator, workerCfg, logger)
	if *once {
		if _, err := worker.RunOnce(ctx); err != nil {
			logger.Fatal("Re-sign run failed", zap.Error(err))
		}
		return
	}

	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Failed to start resign worker", zap.Error(err))
	}
	<-ctx.Done()
	logger.Info("Shutdown signal received")
	worker.Stop()
}
