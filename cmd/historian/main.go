// cmd/historian/main.go archives committed rounds from the Redis history queue into Postgres.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/yamato/internal/cache"
	"github.com/jason-s-yu/yamato/internal/config"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/historian"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb, err := cache.ConnectRedis(ctx, redisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer rdb.Close()

	pool, err := database.ConnectDB(ctx, logger, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatalf("%v", err)
	}

	svc := historian.NewService(rdb, historian.NewPgArchive(pool), logger, historian.Config{
		Queue:         cfg.HistoryQueue,
		BatchSize:     cfg.HistorianBatchSize,
		FlushInterval: cfg.HistorianFlushInterval,
		Inactivity:    cfg.LobbyInactivity,
	})
	svc.Run(ctx)
	logger.Info("Historian shutdown complete.")
}
