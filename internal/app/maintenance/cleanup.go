package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/masrizal/pushbox/internal/models"
	"github.com/masrizal/pushbox/pkg/logger"
)

const (
	defaultRetentionDays = 90
	defaultSchedule      = "@daily"
)

// Cleaner runs the background retention sweep. Expiry never deletes a
// notification on its own; old records only leave the store through this
// age-based purge.
type Cleaner struct {
	db        *gorm.DB
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention int
	schedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetentionDays adjusts how long notifications are retained.
func WithRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithSchedule overrides the cron specification for the sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults.
func NewCleaner(db *gorm.DB, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:        db,
		now:       time.Now,
		retention: defaultRetentionDays,
		schedule:  defaultSchedule,
		log:       logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the sweep with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.db == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.schedule, func() {
		stats, err := c.RunOnce(context.Background())
		if err != nil {
			c.log.Warn("retention sweep failed", zap.Error(err))
			return
		}
		if stats.Purged > 0 {
			c.log.Info("retention sweep complete", zap.Int64("purged", stats.Purged))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running sweep to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// SweepStats reports the outcome of one retention sweep.
type SweepStats struct {
	Purged int64
}

// RunOnce purges notifications that fell out of the retention window.
// Expired-but-recent records are untouched so clients can still fetch them
// by id.
func (c *Cleaner) RunOnce(ctx context.Context) (SweepStats, error) {
	if c.db == nil {
		return SweepStats{}, errors.New("maintenance: nil database handle")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := c.now().UTC().AddDate(0, 0, -c.retention)
	result := c.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.Notification{})
	if result.Error != nil {
		return SweepStats{}, result.Error
	}

	return SweepStats{Purged: result.RowsAffected}, nil
}
