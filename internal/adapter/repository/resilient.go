package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
	"github.com/hive-corporation/intelcommons/internal/metrics"
)

// BreakerConfig configures ResilientIndicatorStore.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Name: "indicator-store", MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// ResilientIndicatorStore wraps a store with a circuit breaker and latency
// metrics. Failures, including an open breaker, surface as
// *domain.PersistenceError. ErrNotFound, context.Canceled and errors raised
// by the update function itself do not count against the breaker. A
// deadline does, since the engine bounds every store call with its own
// timeout.
type ResilientIndicatorStore struct {
	next    ports.IndicatorStore
	breaker *gobreaker.CircuitBreaker
}

var _ ports.IndicatorStore = (*ResilientIndicatorStore)(nil)

func NewResilientIndicatorStore(next ports.IndicatorStore, cfg BreakerConfig, logger zerolog.Logger) *ResilientIndicatorStore {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0, // Don't reset counts automatically
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
			metrics.RecordBreakerTransition(name, to.String())
		},
		IsSuccessful: func(err error) bool {
			// a caller that gave up says nothing about the backend
			if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, context.Canceled) {
				return true
			}
			var ue *updateFuncError
			return errors.As(err, &ue)
		},
	}
	return &ResilientIndicatorStore{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// updateFuncError marks an error returned by the caller's update function so
// it passes through the breaker untouched.
type updateFuncError struct{ err error }

func (e *updateFuncError) Error() string { return e.err.Error() }
func (e *updateFuncError) Unwrap() error { return e.err }

func (s *ResilientIndicatorStore) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	timer := metrics.StartStoreTimer(op)
	res, err := s.breaker.Execute(fn)
	timer.ObserveDuration(err)
	if err == nil {
		return res, nil
	}

	var ue *updateFuncError
	if errors.As(err, &ue) {
		return nil, ue.err
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.PersistenceError{Op: op, Err: errors.Wrap(err, "circuit breaker rejected call")}
	}
	return nil, domain.NewPersistenceError(op, err)
}

func (s *ResilientIndicatorStore) Get(ctx context.Context, hash string) (*domain.Indicator, error) {
	res, err := s.execute("get", func() (interface{}, error) {
		return s.next.Get(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Indicator), nil
}

func (s *ResilientIndicatorStore) Update(ctx context.Context, hash string, fn ports.UpdateFunc) (*domain.Indicator, error) {
	guarded := func(current *domain.Indicator) (*domain.Indicator, error) {
		next, err := fn(current)
		if err != nil {
			return nil, &updateFuncError{err: err}
		}
		return next, nil
	}
	res, err := s.execute("update", func() (interface{}, error) {
		return s.next.Update(ctx, hash, guarded)
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Indicator), nil
}

func (s *ResilientIndicatorStore) Find(ctx context.Context, q domain.IndicatorQuery) ([]domain.Indicator, error) {
	res, err := s.execute("find", func() (interface{}, error) {
		return s.next.Find(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return res.([]domain.Indicator), nil
}

func (s *ResilientIndicatorStore) Stats(ctx context.Context, k int, since time.Time) (ports.IndicatorStats, error) {
	res, err := s.execute("stats", func() (interface{}, error) {
		return s.next.Stats(ctx, k, since)
	})
	if err != nil {
		return ports.IndicatorStats{}, err
	}
	return res.(ports.IndicatorStats), nil
}

func (s *ResilientIndicatorStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execute("purge", func() (interface{}, error) {
		return s.next.PurgeExpired(ctx, before)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// State exposes the breaker state.
func (s *ResilientIndicatorStore) State() gobreaker.State {
	return s.breaker.State()
}

// Check fails while the breaker is open, for health endpoints.
func (s *ResilientIndicatorStore) Check(context.Context) error {
	if st := s.breaker.State(); st == gobreaker.StateOpen {
		return errors.Errorf("indicator store circuit breaker is %s", st)
	}
	return nil
}
