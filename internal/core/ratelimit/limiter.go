// Package ratelimit enforces per-organization sliding window quotas counted
// from the query log.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
	"github.com/hive-corporation/intelcommons/internal/metrics"
)

// Class groups operations that share a quota.
type Class string

const (
	ClassShare Class = "share"
	// ClassQuery covers feed and query_ioc combined.
	ClassQuery Class = "query"
)

// Operations lists the query log operations counted against c.
func (c Class) Operations() []domain.Operation {
	switch c {
	case ClassShare:
		return []domain.Operation{domain.OpShare}
	case ClassQuery:
		return []domain.Operation{domain.OpFeed, domain.OpQueryIOC}
	default:
		return nil
	}
}

// Quota is a ceiling over a rolling window.
type Quota struct {
	Limit  int64
	Window time.Duration
}

// Config holds the quota per class.
type Config struct {
	Share Quota
	Query Quota
}

// DefaultConfig is 10000 shares per day and 1000 queries per hour.
func DefaultConfig() Config {
	return Config{
		Share: Quota{Limit: 10000, Window: 24 * time.Hour},
		Query: Quota{Limit: 1000, Window: time.Hour},
	}
}

// Limiter counts recent query log entries to decide whether a requester may
// proceed. It never writes to the log itself: the caller appends the entry
// once the operation ran, so denied attempts leave no trace.
type Limiter struct {
	log    ports.QueryLog
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Limiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func New(log ports.QueryLog, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		log:    log,
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) quota(c Class) Quota {
	if c == ClassShare {
		return l.cfg.Share
	}
	return l.cfg.Query
}

// Allow reports whether requesterHash is under its quota for class. A query
// log that cannot be counted fails open.
func (l *Limiter) Allow(ctx context.Context, requesterHash string, class Class) (bool, error) {
	q := l.quota(class)
	ops := class.Operations()
	if ops == nil {
		return false, domain.NewValidationError("class", "unknown rate limit class "+string(class))
	}

	since := l.now().Add(-q.Window)
	n, err := l.log.Count(ctx, requesterHash, ops, since)
	if err != nil {
		l.logger.Warn().Err(err).
			Str("requester", domain.ShortHash(requesterHash)).
			Str("class", string(class)).
			Msg("rate limit count failed, allowing request")
		return true, nil
	}

	if n >= q.Limit {
		metrics.RecordRateLimitDenial(string(class))
		return false, nil
	}
	return true, nil
}

// Check is Allow returning domain.ErrRateLimitExceeded on denial.
func (l *Limiter) Check(ctx context.Context, requesterHash string, class Class) error {
	ok, err := l.Allow(ctx, requesterHash, class)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrRateLimitExceeded
	}
	return nil
}
