package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/logging"
)

// archiveWindow is how far past local midnight a run is still considered
// the nightly run; a process waking up later waits for the next night.
const archiveWindow = 5 * time.Minute

// ArchiveStore is the persistence surface the archiver needs.
type ArchiveStore interface {
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, entry database.ConfigAuditEntry) error
	ArchiveOldRows(ctx context.Context, cutoffMS int64, hkDate string) (int64, error)
}

// Archiver moves rows past retention into the history tables once per local
// day, shortly after midnight in the configured timezone.
type Archiver struct {
	cfg   config.ArchiveConfig
	store ArchiveStore
	loc   *time.Location
	log   *logging.Logger

	now func() time.Time
}

func NewArchiver(cfg config.ArchiveConfig, store ArchiveStore, log *logging.Logger) (*Archiver, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("archive timezone %q: %w", cfg.Timezone, err)
	}
	return &Archiver{
		cfg:   cfg,
		store: store,
		loc:   loc,
		log:   log.WithComponent("archiver"),
		now:   time.Now,
	}, nil
}

// Start schedules the nightly run at local midnight. The returned cron is
// already running; callers stop it on shutdown.
func (a *Archiver) Start(ctx context.Context) (*cron.Cron, error) {
	if !a.cfg.Enabled {
		a.log.Info().Msg("archiving disabled")
		return nil, nil
	}
	c := cron.New(cron.WithLocation(a.loc))
	_, err := c.AddFunc("0 0 * * *", func() {
		if err := a.RunOnce(ctx); err != nil {
			a.log.Error().Err(err).Msg("nightly archive failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule archive: %w", err)
	}
	c.Start()
	return c, nil
}

// RunOnce performs the nightly archive if it is due. Runs outside the
// midnight window or on an already-archived local date are skipped, which
// makes restarts and multiple instances safe.
func (a *Archiver) RunOnce(ctx context.Context) error {
	now := a.now().In(a.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
	if now.Sub(midnight) > archiveWindow {
		a.log.Debug().Msg("outside archive window, skipped")
		return nil
	}

	localDate := now.Format("2006-01-02")
	last, ok, err := a.store.GetConfigValue(ctx, database.KeyArchiveLastHKDate)
	if err != nil {
		return err
	}
	if ok && last == localDate {
		a.log.Info().Str("date", localDate).Msg("already archived today, skipped")
		return nil
	}

	cutoffMS := now.AddDate(0, 0, -a.cfg.RetentionDays).UnixMilli()
	moved, err := a.store.ArchiveOldRows(ctx, cutoffMS, localDate)
	if err != nil {
		return err
	}

	if err := a.store.SetConfigValue(ctx, database.ConfigAuditEntry{
		Actor:      "data-syncer",
		Action:     "UPDATE",
		Key:        database.KeyArchiveLastHKDate,
		NewValue:   localDate,
		ReasonCode: database.ReasonSystem,
		Reason:     fmt.Sprintf("nightly archive moved %d rows", moved),
	}); err != nil {
		return err
	}

	a.log.Info().Str("date", localDate).
		Int64("rows_moved", moved).
		Int("retention_days", a.cfg.RetentionDays).
		Msg("nightly archive completed")
	return nil
}
