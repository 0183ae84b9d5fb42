package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/admin"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/notification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging, "admin-api")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	notifier := notification.NewManager(logger)
	if cfg.Notification.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(cfg.Notification.Telegram))
	}

	server := admin.NewServer(cfg.Admin, db, notifier, cfg.Exchange.Venue, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("admin api stopped")
	}
	logger.Info().Msg("admin api stopped")
}
