package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ncecere/usage_insights/internal/cache"
	"github.com/ncecere/usage_insights/internal/config"
	"github.com/ncecere/usage_insights/internal/database"
	"github.com/ncecere/usage_insights/internal/httpserver"
	"github.com/ncecere/usage_insights/internal/lock"
	"github.com/ncecere/usage_insights/internal/observability"
	"github.com/ncecere/usage_insights/internal/redisclient"
	"github.com/ncecere/usage_insights/internal/services/dailycache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	metrics, err := observability.Setup(cfg.Observability)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}

	store := cache.NewPostgresStore(dbPool)
	recordTier := cache.NewRecordCache(redisClient, cfg.Cache.RecordCacheTTL)
	locker := lock.NewCoordinator(dbPool)

	manager := dailycache.NewManager(store, locker, recordTier, metrics, dailycache.Config{
		CurrentDayTTL: cfg.Cache.CurrentDayTTL,
		GracePeriod:   cfg.Cache.GracePeriod,
		LockBackoff:   cfg.Cache.LockBackoff,
		RetentionDays: cfg.Cache.RetentionDays,
	})
	go manager.RunRetentionSweeper(ctx, cfg.Cache.SweepInterval)

	server, err := httpserver.New(httpserver.Deps{
		Config:        cfg,
		DBPool:        dbPool,
		Redis:         redisClient,
		Observability: metrics,
	})
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}
