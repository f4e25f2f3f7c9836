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
	"github.com/arohanajit/Distributed-VectorDB/internal/proxy"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateProxy(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := config.InitLogger(config.LogOptions{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer config.Sync()
	logger := config.GetLogger().Named("proxy")

	master := topology.NewClient(cfg.TopologyURL, nil)
	refresher, err := proxy.NewRefresher(master, proxy.RefresherOptions{
		InstanceIDs: cfg.InstanceIDs,
		Interval:    cfg.RefreshInterval,
		Probe:       cfg.ProbeNodes,
		Workers:     cfg.ProbeWorkers,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Failed to create topology refresher", zap.Error(err))
	}
	refresher.Start()

	p := proxy.New(refresher, proxy.Options{
		DefaultInstance:   cfg.InstanceIDs[0],
		Timeout:           cfg.ForwardTimeout,
		ReadFromFollowers: cfg.ReadFromFollowers,
		Logger:            logger,
	})

	// The forward deadline bounds each request, including its one retry
	router := rest.NewRouter(rest.RouterOptions{
		Logger:         logger,
		RequestTimeout: cfg.ForwardTimeout,
		MaxPayloadSize: cfg.MaxPayloadSize,
	}, rest.NewProxyHandler(p, master.BaseURL(), logger))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ForwardTimeout + 5*time.Second,
	}

	shutdownMgr := cluster.NewShutdownManager(server, logger, shutdownTimeout)
	shutdownMgr.Register("refresher", func(ctx context.Context) error {
		refresher.Stop()
		return nil
	})

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Routing proxy started",
		zap.String("address", cfg.Addr()),
		zap.String("topology_url", master.BaseURL()),
		zap.Strings("instances", cfg.InstanceIDs))

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if err := shutdownMgr.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		config.Sync()
		os.Exit(1)
	}
	logger.Info("Server shutdown completed")
}
