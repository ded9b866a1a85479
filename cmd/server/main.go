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

	"instance-sync-service/internal/api"
	"instance-sync-service/internal/cache"
	"instance-sync-service/internal/config"
	"instance-sync-service/internal/conflict"
	"instance-sync-service/internal/connectivity"
	"instance-sync-service/internal/keymutex"
	"instance-sync-service/internal/local"
	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/queue"
	"instance-sync-service/internal/remote"
	"instance-sync-service/internal/store"
	"instance-sync-service/internal/sync"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting instance sync service")

	db, err := store.NewSQLiteStore(cfg.Storage.FilePath)
	if err != nil {
		logger.Log.Fatal("Failed to open store", zap.Error(err))
	}
	defer db.Close()

	localStore, err := local.NewStore(cfg.Local.InstancesDir)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}

	remoteClient := remote.NewClient(cfg.Remote)
	monitor := connectivity.NewMonitor(cfg.Connectivity)
	locks := keymutex.New()

	ctx := context.Background()

	actionQueue, err := queue.NewActionQueue(ctx, cfg.Queue, db, remoteClient, monitor, locks)
	if err != nil {
		logger.Log.Fatal("Failed to init action queue", zap.Error(err))
	}

	detector := conflict.NewDetector(localStore, remoteClient, db, locks)
	requestCache := cache.NewRequestCache(cfg.Cache, db, monitor)

	manager := sync.NewManager(cfg, monitor, actionQueue, detector, remoteClient)
	if err := manager.Start(ctx); err != nil {
		logger.Log.Fatal("Failed to start sync manager", zap.Error(err))
	}
	defer manager.Stop()

	handler := api.NewHandler(manager, actionQueue, detector, monitor, requestCache, localStore)
	router := handler.Routes()

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
