package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guild-ledger/internal/config"
	"guild-ledger/internal/db"
	"guild-ledger/internal/gateway"
	"guild-ledger/internal/logging"
	"guild-ledger/internal/member"
	"guild-ledger/internal/processor"
	"guild-ledger/internal/redis"
	"guild-ledger/internal/roles"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_worker", "service", "guild-ledger-worker", "guild_id", cfg.GuildID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (with retry)
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

	logger.Info("worker_started")

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	logger.Info("closing_gateway_connection")
	if err := conn.Close(); err != nil {
		logger.Warn("gateway_close_error", "error", err)
	}

	logger.Info("stopping_event_workers")
	eventProcessor.StopWorkers()

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("worker_stopped")
}
