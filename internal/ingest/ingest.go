// Package ingest bulk-shares an organization's local observations through
// the sharing engine.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// Sharer is the engine operation the ingester drives.
type Sharer interface {
	ShareIndicator(ctx context.Context, orgID string, req domain.ShareRequest) (*domain.ShareResult, error)
}

// Summary counts outcomes of one ingestion run.
type Summary struct {
	Fetched     int64 `json:"fetched"`
	Shared      int64 `json:"shared"`
	Pending     int64 `json:"pending"`
	Invalid     int64 `json:"invalid"`
	RateLimited int64 `json:"rate_limited"`
	Failed      int64 `json:"failed"`
}

type Ingester struct {
	sharer  Sharer
	orgID   string
	workers int
	logger  zerolog.Logger
}

func New(sharer Sharer, orgID string, workers int, logger zerolog.Logger) *Ingester {
	if workers < 1 {
		workers = 1
	}
	return &Ingester{sharer: sharer, orgID: orgID, workers: workers, logger: logger}
}

// Run downloads every provider concurrently and shares the observations
// with a bounded number of workers. A provider failing to fetch is logged
// and skipped. Once the organization hits its share quota the remaining
// observations are dropped, since every further call would be denied too.
func (in *Ingester) Run(ctx context.Context, providers []ports.ObservationProvider) (Summary, error) {
	var sum Summary
	obsCh := make(chan domain.ShareRequest, 2000)

	var fetchers sync.WaitGroup
	for _, p := range providers {
		fetchers.Add(1)
		go func(p ports.ObservationProvider) {
			defer fetchers.Done()
			obs, err := p.FetchObservations(ctx)
			if err != nil {
				in.logger.Error().Err(err).Str("provider", p.Name()).Msg("failed to fetch observations")
				return
			}
			in.logger.Info().Str("provider", p.Name()).Int("observations", len(obs)).Msg("provider fetched")
			for _, o := range obs {
				select {
				case obsCh <- o:
					atomic.AddInt64(&sum.Fetched, 1)
				case <-ctx.Done():
					return
				}
			}
		}(p)
	}
	go func() {
		fetchers.Wait()
		close(obsCh)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)
	var limited atomic.Bool

	for o := range obsCh {
		if limited.Load() || gctx.Err() != nil {
			continue // drain so fetchers can exit
		}
		g.Go(func() error {
			res, err := in.sharer.ShareIndicator(gctx, in.orgID, o)
			switch {
			case err == nil && res.Shared:
				atomic.AddInt64(&sum.Shared, 1)
			case err == nil:
				atomic.AddInt64(&sum.Pending, 1)
			case errors.Is(err, domain.ErrValidation):
				atomic.AddInt64(&sum.Invalid, 1)
				in.logger.Debug().Err(err).Msg("observation rejected")
			case errors.Is(err, domain.ErrRateLimitExceeded):
				atomic.AddInt64(&sum.RateLimited, 1)
				if limited.CompareAndSwap(false, true) {
					in.logger.Warn().Msg("share quota exhausted, dropping remaining observations")
				}
			default:
				atomic.AddInt64(&sum.Failed, 1)
				in.logger.Error().Err(err).Msg("share failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, ctx.Err()
}
