package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/node"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	watcher, err := config.Watch(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Current()

	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Node starting...",
		"version", Version, "commit", GitCommit, "build_time", BuildTime)

	n, err := node.New(watcher, logger)
	if err != nil {
		logger.Fatal("Failed to build node", "error", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := n.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal("Failed to start node", "error", err)
	}
	startCancel()

	logger.Info("Node started",
		"node_id", n.ID(),
		"gossip_addr", cfg.AdvertiseGossipAddress(),
		"data_addr", cfg.AdvertiseDataAddress(),
		"admin_addr", cfg.AdminAddress(),
		"metrics_addr", cfg.MetricsAddress())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	n.Stop(stopCtx)

	logger.Info("Node shut down cleanly")
}
