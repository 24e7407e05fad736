package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/api"
	"github.com/sammyZi/smart-inventory-sync/internal/audit"
	"github.com/sammyZi/smart-inventory-sync/internal/config"
	"github.com/sammyZi/smart-inventory-sync/internal/database"
	"github.com/sammyZi/smart-inventory-sync/internal/feed"
	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/store"
	"github.com/sammyZi/smart-inventory-sync/internal/sync"
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

	logger.Log.Info("Starting inventory sync service")

	// Init Database + Store
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	stockStore := store.NewMySQLStore(db)

	// Audit sink: Redis stream when configured, service log otherwise.
	var sink audit.Sink = audit.LogSink{}
	if cfg.Redis.Enabled {
		redisSink, err := audit.NewRedisSink(cfg.Redis)
		if err != nil {
			logger.Log.Fatal("Failed to init redis audit sink", zap.Error(err))
		}
		defer redisSink.Close()
		sink = redisSink
	}

	// Init Sync Engine
	engine := sync.NewEngine(stockStore, stockStore, sink, sync.Options{
		MetricsInterval:      cfg.Sync.GetMetricsInterval(),
		MaxQueueItemsPerUser: cfg.Sync.MaxQueueItemsPerUser,
	})
	if err := engine.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync engine", zap.Error(err))
	}
	defer engine.Stop()

	// Optional binlog change feed for out-of-band stock writes
	if cfg.Feed.Enabled {
		changeFeed, err := feed.NewBinlogFeed(cfg.Database, cfg.Feed, stockStore, engine.Fanout())
		if err != nil {
			logger.Log.Fatal("Failed to init change feed", zap.Error(err))
		}
		if err := changeFeed.Start(); err != nil {
			logger.Log.Fatal("Failed to start change feed", zap.Error(err))
		}
		defer changeFeed.Stop()
	}

	// Init API
	handler := api.NewHandler(engine, cfg.Sync.SendBufferSize)
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
}
