// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/yamato/internal/cache"
	"github.com/jason-s-yu/yamato/internal/config"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/game"
	"github.com/jason-s-yu/yamato/internal/handlers"
	"github.com/jason-s-yu/yamato/internal/lobby"
	"github.com/jason-s-yu/yamato/internal/narrator"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/redis/go-redis/v9"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var store database.Store
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		store = database.NewMemoryStore()
	default:
		pool, err := database.ConnectDB(ctx, logger, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		store = database.NewPgStore(pool)
	}

	hub := realtime.NewHub(logger)
	var notifier realtime.Notifier = hub
	procCfg := game.ProcessorConfig{
		NarratorTimeout: cfg.NarratorTimeout,
		StaleAfter:      cfg.RoundStaleAfter,
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()

		bridge := realtime.NewRedisBridge(hub, rdb, cfg.EventsChannel, logger)
		notifier = bridge
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("redis event bridge stopped")
			}
		}()
		procCfg.History = cache.NewHistoryPublisher(rdb, cfg.HistoryQueue)
	} else {
		logger.Info("REDIS_ADDR not set, events stay on this instance and round history is not queued")
	}

	if cfg.NarratorAPIKey == "" {
		logger.Warn("NARRATOR_API_KEY not set, narrator calls will fail and rounds will use the fallback narrative")
	}
	gen := narrator.NewOpenAIClient(narrator.Options{
		BaseURL:     cfg.NarratorBaseURL,
		APIKey:      cfg.NarratorAPIKey,
		Model:       cfg.NarratorModel,
		Temperature: cfg.NarratorTemperature,
		MaxTokens:   cfg.NarratorMaxTokens,
		Timeout:     cfg.NarratorTimeout,
	}, logger)

	proc := game.NewProcessor(store, gen, notifier, logger, procCfg)
	tracker := game.NewTracker(store, proc, notifier, logger)
	go proc.RunRecovery(ctx, cfg.RecoveryInterval)

	router := handlers.NewRouter(handlers.Deps{
		Logger:         logger,
		Store:          store,
		Lobbies:        lobby.NewManager(store, notifier, logger, cfg.DefaultMaxPlayers),
		Tracker:        tracker,
		Hub:            hub,
		Notifier:       notifier,
		AllowedOrigins: allowedOrigins(cfg),
	})

	addr := ":" + cfg.Port
	if !cfg.IsProduction() {
		// bind to localhost outside production
		addr = "localhost:" + cfg.Port
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// allowedOrigins restricts origins only in production, like the rest of the deployment config.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsProduction() {
		return cfg.AllowedOrigins
	}
	return nil
}
