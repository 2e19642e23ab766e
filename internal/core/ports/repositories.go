package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// UpdateFunc computes the next state of an indicator from its current state.
// current is nil when the hash has never been seen. Implementations must be
// pure functions of (current, captured inputs) because stores may call them
// more than once when a write conflict is retried.
type UpdateFunc func(current *domain.Indicator) (*domain.Indicator, error)

// IndicatorStats are the aggregate counters behind network statistics.
type IndicatorStats struct {
	Total        int64
	Shared       int64
	UpdatedSince int64
}

// IndicatorStore is the authoritative collection of indicators keyed by
// privacy hash.
type IndicatorStore interface {
	// Get returns domain.ErrNotFound when the hash is absent.
	Get(ctx context.Context, hash string) (*domain.Indicator, error)
	// Update runs fn as one atomic read-compute-write cycle for hash and
	// returns the stored result.
	Update(ctx context.Context, hash string, fn UpdateFunc) (*domain.Indicator, error)
	// Find returns indicators matching q ordered by LastSeen, newest first.
	Find(ctx context.Context, q domain.IndicatorQuery) ([]domain.Indicator, error)
	// Stats counts all indicators, those with at least k contributors and
	// those updated at or after since.
	Stats(ctx context.Context, k int, since time.Time) (IndicatorStats, error)
	// PurgeExpired physically deletes indicators whose ExpiresAt is before
	// the cutoff and returns how many were removed.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// ParticipationStore tracks per-organization activity by organization hash.
type ParticipationStore interface {
	RecordShare(ctx context.Context, orgHash string, at time.Time) error
	RecordConsume(ctx context.Context, orgHash string, results int64, at time.Time) error
	Get(ctx context.Context, orgHash string) (*domain.ParticipationRecord, error)
	// Count returns the number of organizations that ever participated.
	Count(ctx context.Context) (int64, error)
}

// QueryLog is the append-only audit trail that also backs rate limiting.
type QueryLog interface {
	Append(ctx context.Context, entry domain.QueryLogEntry) error
	// Count returns entries for requester with one of ops at or after since.
	Count(ctx context.Context, requester string, ops []domain.Operation, since time.Time) (int64, error)
}

// ObservationProvider feeds local observations into the sharing engine.
type ObservationProvider interface {
	FetchObservations(ctx context.Context) ([]domain.ShareRequest, error)
	Name() string
}
