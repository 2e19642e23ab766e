package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
	"github.com/hive-corporation/intelcommons/internal/metrics"
)

// Janitor physically removes indicators once they have been expired for
// longer than the retention grace period. Expired indicators are already
// invisible to consumers; this only reclaims space.
type Janitor struct {
	cron     *cron.Cron
	store    ports.IndicatorStore
	schedule string
	grace    time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

type JanitorConfig struct {
	Schedule       string
	RetentionGrace time.Duration
	Timeout        time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{Schedule: "@every 1h", RetentionGrace: 720 * time.Hour, Timeout: time.Minute}
}

func NewJanitor(store ports.IndicatorStore, cfg JanitorConfig, logger zerolog.Logger) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		store:    store,
		schedule: cfg.Schedule,
		grace:    cfg.RetentionGrace,
		timeout:  cfg.Timeout,
		now:      time.Now,
		logger:   logger,
	}
}

// Start registers the purge job and starts the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error().Err(err).Msg("retention purge failed")
		}
	}); err != nil {
		return errors.Wrapf(err, "invalid purge schedule %q", j.schedule)
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", j.schedule).Dur("grace", j.grace).Msg("retention janitor started")
	return nil
}

// Stop waits for a running purge to finish or ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	stopCtx := j.cron.Stop()

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		j.logger.Warn().Msg("retention janitor stop timeout")
		return ctx.Err()
	}
}

// RunOnce purges indicators that expired before now minus the grace period.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	cutoff := j.now().UTC().Add(-j.grace)
	n, err := j.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return n, domain.NewPersistenceError("purge expired", err)
	}
	metrics.RecordPurged(n)
	if n > 0 {
		j.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("purged expired indicators")
	}
	return n, nil
}
