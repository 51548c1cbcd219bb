package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guild-ledger/internal/api"
	"guild-ledger/internal/config"
	"guild-ledger/internal/db"
	"guild-ledger/internal/logging"
	"guild-ledger/internal/member"
	"guild-ledger/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_api", "service", "guild-ledger-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.Migrate(ctx); err != nil {
		logger.Error("db_migrate_failed", "error", err)
		os.Exit(1)
	}

	// Redis is optional for the read API; caching and rate limits degrade
	// to in-process fallbacks without it.
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_connect_failed", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	store := member.NewPostgresStore(dbConn)
	srv := api.NewServer(logger, dbConn, store, redisClient, cfg)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_started", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis_close_error", "error", err)
		} else {
			logger.Info("redis_closed")
		}
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("api_stopped")
}
