// Command coldb-ingest wires up one replica of the write path: loads
// configuration, brings up the coordinator session, the informational
// gossip layer, the insert sink, and the ambient metrics/health HTTP
// endpoints, then blocks until asked to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/coldb/internal/config"
	"github.com/devrev/coldb/internal/coordinator"
	"github.com/devrev/coldb/internal/health"
	"github.com/devrev/coldb/internal/insert"
	"github.com/devrev/coldb/internal/membership"
	"github.com/devrev/coldb/internal/metrics"
	"github.com/devrev/coldb/internal/server"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("replicas_num", cfg.Insert.ReplicasNum),
		zap.Int("quorum", cfg.Insert.Quorum))

	dataDir := os.Getenv("COLDB_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	m := metrics.New(cfg.Server.NodeID)

	// The in-memory coordinator ships as the reference implementation for
	// single-process deployments; a networked implementation satisfies
	// the same coordinator.Client interface without any change to the
	// sink (see internal/coordinator's package doc).
	client := coordinator.NewMemTree()
	paths := coordinator.NewPaths(cfg.Coordinator.TablePath)

	if err := registerSelf(client, paths, cfg.Server.NodeID); err != nil {
		logger.Fatal("failed to register replica with coordinator", zap.Error(err))
	}

	sink, err := insert.New(client, paths, cfg.Server.NodeID, cfg.Insert, dataDir, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize insert sink", zap.Error(err))
	}
	defer sink.Close()

	monitor, err := membership.New(membership.Config{
		Enabled:        cfg.Membership.Enabled,
		BindPort:       cfg.Membership.BindPort,
		SeedNodes:      cfg.Membership.SeedNodes,
		GossipInterval: cfg.Membership.GossipInterval,
		ProbeTimeout:   cfg.Membership.ProbeTimeout,
		ProbeInterval:  cfg.Membership.ProbeInterval,
	}, cfg.Server.NodeID, logger, m.MembershipAliveTotal)
	if err != nil {
		logger.Error("failed to initialize membership monitor", zap.Error(err))
	} else {
		defer monitor.Shutdown()
	}

	checker := health.New(health.Config{
		NodeID:  cfg.Server.NodeID,
		DataDir: dataDir,
		Session: client,
	}, logger)

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()
	go checker.Run(healthCtx, 10*time.Second)

	healthServer := &http.Server{
		Addr:    cfg.Server.HealthAddr,
		Handler: checker.Mux(),
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()

	metricsSrv := server.NewMetricsServer(server.MetricsServerConfig{
		Addr: cfg.Server.MetricsAddr,
		Path: cfg.Metrics.Path,
	}, logger)
	metricsSrv.Start()

	logger.Info("coldb-ingest ready",
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("health_addr", cfg.Server.HealthAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancelHealth()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
}

// registerSelf creates this replica's node under /replicas with live
// is_active/host ephemerals, the same registration a real coordinator
// client performs on session establishment.
func registerSelf(client *coordinator.MemTree, paths coordinator.Paths, nodeID string) error {
	ctx := context.Background()
	_, err := client.Multi(ctx, []coordinator.Op{
		{Type: coordinator.OpCreatePersistent, Path: paths.Replica(nodeID)},
		{Type: coordinator.OpCreatePersistent, Path: paths.Replica(nodeID) + "/parts"},
		{Type: coordinator.OpCreateEphemeral, Path: paths.IsActive(nodeID)},
		{Type: coordinator.OpCreateEphemeral, Path: paths.Host(nodeID)},
	})
	return err
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
