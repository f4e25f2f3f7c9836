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
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateMaster(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := config.InitLogger(config.LogOptions{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer config.Sync()
	logger := config.GetLogger().Named("master")

	registry, err := openRegistry(cfg)
	if err != nil {
		logger.Fatal("Failed to open topology registry", zap.String("backend", cfg.RegistryBackend), zap.Error(err))
	}
	service := topology.NewService(registry, logger)

	router := rest.NewRouter(rest.RouterOptions{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		MaxPayloadSize: cfg.MaxPayloadSize,
	}, rest.NewTopologyHandler(service))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	shutdownMgr := cluster.NewShutdownManager(server, logger, shutdownTimeout)
	shutdownMgr.Register("registry", func(ctx context.Context) error {
		return service.Close()
	})

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Topology service started",
		zap.String("address", cfg.Addr()),
		zap.String("backend", cfg.RegistryBackend))

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if err := shutdownMgr.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		config.Sync()
		os.Exit(1)
	}
	logger.Info("Server shutdown completed")
}

func openRegistry(cfg *config.ServerConfig) (topology.Registry, error) {
	switch cfg.RegistryBackend {
	case config.BackendEtcd:
		return topology.NewEtcdRegistry(topology.EtcdConfig{
			Endpoints: cfg.EtcdEndpoints,
			Prefix:    cfg.EtcdPrefix,
		})
	case config.BackendRedis:
		return topology.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword)
	default:
		return topology.NewMemoryRegistry(), nil
	}
}
