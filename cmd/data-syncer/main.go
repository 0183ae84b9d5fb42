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
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/exchange/ratelimit"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/syncer"
	"perp-trading-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging, "data-syncer")
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

	limiter := ratelimit.New(logger)
	venue, err := exchange.New(cfg, limiter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("venue client init failed")
	}

	precomputer := syncer.NewPrecomputer(db, cfg.Strategy.IntervalMinutes, logger)
	sync := syncer.New(cfg.Strategy, db, venue, precomputer, logger,
		config.InstanceID("data-syncer"))
	if sink, ok := venue.(exchange.LastPriceSink); ok {
		sync.SetPriceSink(sink)
	}

	archiver, err := syncer.NewArchiver(cfg.Archive, db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("archiver init failed")
	}
	cronRunner, err := archiver.Start(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("archive schedule failed")
	}
	if cronRunner != nil {
		defer cronRunner.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// sync more often than the bar interval so a freshly closed bar lands
	// well before the next engine tick
	every := time.Duration(cfg.Strategy.IntervalMinutes) * time.Minute / 3
	if every < time.Minute {
		every = time.Minute
	}

	logger.Info().
		Strs("symbols", cfg.Strategy.Symbols).
		Int("interval_minutes", cfg.Strategy.IntervalMinutes).
		Dur("cycle", every).
		Msg("data syncer started")

	if err := sync.Run(ctx, every); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("syncer stopped")
	}
	logger.Info().Msg("data syncer stopped")
}
