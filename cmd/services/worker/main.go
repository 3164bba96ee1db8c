package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/worker"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

const (
	startTimeout    = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Worker starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime,
		"worker_id", cfg.Worker.WorkerID, "cluster_id", cfg.Worker.ClusterID)

	// 3. Connect to the shared log
	w, err := worker.New(cfg, Version)
	if err != nil {
		logger.Fatal("Failed to create worker", "error", err)
	}

	// 4. Restore snapshots, announce and start the sync loops
	startCtx, cancelStart := context.WithTimeout(context.Background(), startTimeout)
	err = w.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.Fatal("Failed to start worker", "error", err)
	}

	logger.Info("Worker running",
		"store_root", cfg.Worker.StoreRootDir, "queue_type", cfg.Queue.Type, "etcd", cfg.Etcd.Enabled)

	// 5. Wait for shutdown signal
	waitForShutdown(logger)

	// 6. Flush pending changes and persist snapshots
	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	if err := w.Stop(stopCtx); err != nil {
		logger.Error("Worker stopped with errors", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker stopped")
}

// waitForShutdown blocks until an interrupt or termination signal arrives
func waitForShutdown(logger *logging.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
}
