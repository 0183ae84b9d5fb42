package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/engine"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/exchange/ratelimit"
	"perp-trading-bot/internal/locks"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/notification"
	"perp-trading-bot/internal/vault"
)

// redisLocker adapts the redis tick locker to the engine's lock interface.
type redisLocker struct {
	tl *locks.TickLocker
}

func (r redisLocker) Acquire(ctx context.Context, exchange, symbol string, tickID int64, ttl time.Duration) (engine.Unlocker, bool, error) {
	lock, ok, err := r.tl.Acquire(ctx, exchange, symbol, tickID, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lock, true, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging, "strategy-engine")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client init failed")
	}
	if err := vaultClient.ApplyToConfig(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("vault credential load failed")
	}

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	redisClient, err := locks.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redisClient.Close()

	limiter := ratelimit.New(logger)
	venue, err := exchange.New(cfg, limiter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("venue client init failed")
	}

	notifier := notification.NewManager(logger)
	if cfg.Notification.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(cfg.Notification.Telegram))
	}

	eng := engine.New(cfg.Strategy, db, venue,
		redisLocker{tl: locks.NewTickLocker(redisClient)},
		notifier, logger, config.InstanceID("strategy-engine"))
	eng.LoadModel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	logger.Info().
		Str("venue", venue.Name()).
		Strs("symbols", cfg.Strategy.Symbols).
		Dur("tick", cfg.Strategy.TickPeriod).
		Msg("strategy engine started")

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("engine stopped")
	}
	logger.Info().Msg("strategy engine stopped")
}
