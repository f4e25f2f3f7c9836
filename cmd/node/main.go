package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/api/rest"
	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/config"
	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/arohanajit/Distributed-VectorDB/internal/node"
	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 30 * time.Second // Default timeout for graceful shutdown
	statsInterval   = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateNode(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	if err := config.InitLogger(config.LogOptions{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer config.Sync()
	logger := config.GetLogger().With(zap.String("node_id", cfg.NodeID), zap.String("instance_id", cfg.InstanceID))

	// Initialize storage and the replicated group driving it
	store := storage.NewStore(cfg.Dimension)
	group, err := cluster.NewGroup(cluster.Options{
		NodeID:           cfg.NodeID,
		InstanceID:       cfg.InstanceID,
		RaftAddr:         cfg.RaftAddr,
		DataDir:          cfg.RaftDataDir,
		Bootstrap:        cfg.Bootstrap,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ElectionTimeout:  cfg.ElectionTimeout,
		ApplyTimeout:     cfg.ApplyTimeout,
		Logger:           logger,
	}, cluster.NewFSM(store, logger))
	if err != nil {
		logger.Fatal("Failed to start membership group", zap.Error(err))
	}

	collector := metrics.NewGroupMetricsCollector()
	group.OnRoleChange(func(role cluster.Role, leader cluster.LeaderInfo) {
		collector.ObserveLeader(role == cluster.RoleLeader, leader.LeaderID, leader.Term)
	})

	// Publish role changes to the topology service
	var registrar *node.Registrar
	if cfg.TopologyURL != "" {
		registrar = node.NewRegistrar(topology.NewClient(cfg.TopologyURL, nil), cfg.InstanceID, cfg.NodeID, cfg.AdvertiseURL, logger)
		registrar.OnPublish(func(role cluster.Role, err error) {
			if err != nil {
				metrics.GetMetrics().IncRegistrationErrors()
			}
		})
		registrar.Start(group)
	}

	adapter := node.NewAdapter(group, store, logger).WithMetrics(collector)
	router := rest.NewRouter(rest.RouterOptions{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		MaxPayloadSize: cfg.MaxPayloadSize,
	}, rest.NewNodeHandler(group, adapter, logger))

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Writes wait for a quorum, bounded by the request timeout
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	statsDone := make(chan struct{})
	go reportStats(group, store, collector, statsDone)

	shutdownMgr := cluster.NewShutdownManager(server, logger, shutdownTimeout)
	shutdownMgr.Register("stats", func(ctx context.Context) error {
		close(statsDone)
		return nil
	})
	if registrar != nil {
		shutdownMgr.Register("registrar", func(ctx context.Context) error {
			registrar.Stop()
			return nil
		})
	}
	shutdownMgr.Register("raft", func(ctx context.Context) error {
		return group.Shutdown()
	})

	// Setup signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Storage node started",
		zap.String("address", cfg.Addr()),
		zap.String("raft_addr", cfg.RaftAddr),
		zap.String("advertise_url", cfg.AdvertiseURL))

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if err := shutdownMgr.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		config.Sync()
		os.Exit(1)
	}

	logger.Info("Server shutdown completed")
}

// reportStats refreshes the gauges followers cannot derive from their own writes
func reportStats(group *cluster.Group, store storage.Store, collector *metrics.GroupMetricsCollector, done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		collector.UpdateVectors(store.Len())
		if nodes, err := group.ListNodes(); err == nil {
			collector.UpdateMembers(len(nodes))
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
