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

	"hybrid-sync-service/internal/api"
	"hybrid-sync-service/internal/backend"
	"hybrid-sync-service/internal/cache"
	"hybrid-sync-service/internal/config"
	"hybrid-sync-service/internal/conn"
	"hybrid-sync-service/internal/logger"
	"hybrid-sync-service/internal/store"
	"hybrid-sync-service/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting Hybrid Sync Service")

	// Init Local Storage
	var storage store.Storage
	switch cfg.Storage.Type {
	case "memory":
		storage = store.NewMemoryStorage()
	default:
		storage, err = store.NewSQLiteStorage(cfg.Storage.Path)
		if err != nil {
			logger.Log.Fatal("Failed to open local storage", zap.Error(err))
		}
	}
	local := store.NewPersistence(storage)
	defer local.Close()

	// Init Backend Adapters
	primary := backend.NewHTTPAdapter(cfg.Backends.Primary.BaseURL, cfg.Backends.Primary.GetTimeout())
	offline := backend.NewOfflineAdapter(local)

	var fallback backend.Adapter
	if cfg.Backends.Fallback.Enabled {
		sqlAdapter, err := backend.NewSQLAdapter(backend.SQLConfig{
			Host:     cfg.Backends.Fallback.Host,
			Port:     cfg.Backends.Fallback.Port,
			User:     cfg.Backends.Fallback.User,
			Password: cfg.Backends.Fallback.Password,
			Database: cfg.Backends.Fallback.Database,
		})
		if err != nil {
			logger.Log.Warn("Fallback backend unavailable", zap.Error(err))
		} else {
			fallback = sqlAdapter
			defer sqlAdapter.Close()
		}
	}

	// Init Connection Manager
	manager := conn.NewManager(primary, fallback, offline, local,
		parsePriority(cfg.Connection.Priority),
		cfg.Connection.GetProbeTimeout(),
	)

	// Init Sync Engine
	policy, err := sync.ParsePolicy(cfg.Sync.ConflictPolicy)
	if err != nil {
		logger.Log.Fatal("Invalid sync config", zap.Error(err))
	}
	engine := sync.NewEngine(manager, local, policy, cfg.Sync.MaxRetries, cfg.Sync.EntityTypes)
	if cfg.Sync.AutoSync {
		engine.EnableAutoSync()
	}

	// Initial probe, then periodic jobs
	manager.CheckHealth(context.Background())

	entityCache := cache.New(local, cfg.Cache.GetDefaultTTL())
	scheduler := sync.NewScheduler(sync.SchedulerOptions{
		HealthInterval: cfg.Connection.GetHealthInterval(),
		SyncInterval:   cfg.Sync.GetInterval(),
		SweepInterval:  cfg.Cache.GetSweepInterval(),
	}, manager, engine, entityCache)
	scheduler.Start()

	// Init API
	handler := api.NewHandler(manager, engine, local, cfg.Server.AuthToken)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}

func parsePriority(names []string) []conn.State {
	var out []conn.State
	for _, name := range names {
		switch conn.State(name) {
		case conn.StatePrimary, conn.StateFallback, conn.StateOffline:
			out = append(out, conn.State(name))
		}
	}
	return out
}
