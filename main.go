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
	"guild-ledger/internal/gateway"
	"guild-ledger/internal/logging"
	"guild-ledger/internal/member"
	"guild-ledger/internal/processor"
	"guild-ledger/internal/redis"
	"guild-ledger/internal/roles"
)

// Combined binary: gateway worker and HTTP API in one process. The separate
// cmd/worker and cmd/api binaries exist for split deployments.
func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "guild-ledger", "http_addr", cfg.HTTPAddr, "guild_id", cfg.GuildID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.Migrate(ctx); err != nil {
		logger.Error("db_migrate_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store := member.NewPostgresStore(dbConn)
	lifecycle := member.NewLifecycle(logger, store)

	state := gateway.NewGuildState()
	rest := gateway.NewRESTClient(logger, cfg.BotToken, cfg.GuildID, cfg.FallbackRoleID)
	reconciler := roles.NewReconciler(logger, store, state, rest, cfg.FallbackRoleID)

	eventProcessor := processor.NewEventProcessor(logger, lifecycle, reconciler, redisClient)
	eventProcessor.StartWorkers(cfg.EventWorkerCount)

	session := gateway.NewSession(logger, cfg.GuildID, state, eventProcessor.GetEventQueue(), store)
	conn := gateway.NewConnection(cfg.BotToken, session, logger)
	go conn.Run(ctx)

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

	logger.Info("service_ready", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := conn.Close(); err != nil {
		logger.Warn("gateway_close_error", "error", err)
	} else {
		logger.Info("gateway_connection_closed")
	}

	eventProcessor.StopWorkers()
	logger.Info("event_workers_stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("service_stopped")
}
