package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

type failingStore struct {
	*MemoryIndicatorStore
	err   error
	calls int
}

func (f *failingStore) Get(ctx context.Context, hash string) (*domain.Indicator, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.MemoryIndicatorStore.Get(ctx, hash)
}

func (f *failingStore) Update(ctx context.Context, hash string, fn ports.UpdateFunc) (*domain.Indicator, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.MemoryIndicatorStore.Update(ctx, hash, fn)
}

func testBreaker() BreakerConfig {
	return BreakerConfig{Name: "test-store", MaxFailures: 2, OpenTimeout: time.Minute}
}

func TestResilientIndicatorStore_WrapsFailures(t *testing.T) {
	inner := &failingStore{MemoryIndicatorStore: NewMemoryIndicatorStore(1, 10), err: errors.New("connection refused")}
	s := NewResilientIndicatorStore(inner, testBreaker(), zerolog.Nop())

	_, err := s.Get(context.Background(), "h")
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("Expected persistence error, got %v", err)
	}
	var pe *domain.PersistenceError
	if !errors.As(err, &pe) || pe.Op != "get" {
		t.Errorf("Expected op get, got %+v", pe)
	}
}

func TestResilientIndicatorStore_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingStore{MemoryIndicatorStore: NewMemoryIndicatorStore(1, 10), err: errors.New("timeout")}
	s := NewResilientIndicatorStore(inner, testBreaker(), zerolog.Nop())
	ctx := context.Background()

	s.Get(ctx, "h")
	s.Get(ctx, "h")
	if s.State() != gobreaker.StateOpen {
		t.Fatalf("Expected breaker to be open, got %s", s.State())
	}

	callsBefore := inner.calls
	_, err := s.Get(ctx, "h")
	if !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("Expected persistence error from open breaker, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Error("Open breaker must not reach the inner store")
	}
}

func TestResilientIndicatorStore_NotFoundDoesNotTrip(t *testing.T) {
	inner := &failingStore{MemoryIndicatorStore: NewMemoryIndicatorStore(1, 10)}
	s := NewResilientIndicatorStore(inner, testBreaker(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}
	}
	if s.State() != gobreaker.StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", s.State())
	}
}

func TestResilientIndicatorStore_UpdateFuncErrorPassesThrough(t *testing.T) {
	inner := &failingStore{MemoryIndicatorStore: NewMemoryIndicatorStore(1, 10)}
	s := NewResilientIndicatorStore(inner, testBreaker(), zerolog.Nop())
	reject := domain.NewValidationError("ioc_type", "mismatch")

	for i := 0; i < 3; i++ {
		_, err := s.Update(context.Background(), "h", func(*domain.Indicator) (*domain.Indicator, error) {
			return nil, reject
		})
		if err != reject {
			t.Fatalf("Expected the update function error itself, got %v", err)
		}
	}
	if s.State() != gobreaker.StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", s.State())
	}
}

func TestResilientIndicatorStore_PassThrough(t *testing.T) {
	s := NewResilientIndicatorStore(NewMemoryIndicatorStore(1, 10), DefaultBreakerConfig(), zerolog.Nop())
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Update(ctx, "h", addContributor("a", now)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	found, err := s.Find(ctx, domain.IndicatorQuery{MinContributors: 1})
	if err != nil || len(found) != 1 {
		t.Errorf("Expected one indicator, got %d (%v)", len(found), err)
	}
	st, err := s.Stats(ctx, 1, now.Add(-time.Hour))
	if err != nil || st.Shared != 1 {
		t.Errorf("Unexpected stats %+v (%v)", st, err)
	}
	n, err := s.PurgeExpired(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Expected 1 purged, got %d (%v)", n, err)
	}
}

func TestResilientIndicatorStore_CallerCancelDoesNotTrip(t *testing.T) {
	inner := &failingStore{MemoryIndicatorStore: NewMemoryIndicatorStore(1, 10), err: context.Canceled}
	s := NewResilientIndicatorStore(inner, testBreaker(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Get(ctx, "h"); !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled to surface, got %v", err)
		}
	}
	if s.State() != gobreaker.StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", s.State())
	}
	if err := s.Check(ctx); err != nil {
		t.Errorf("Expected healthy store, got %v", err)
	}
}

func TestResilientIndicatorStore_CheckReportsOpenBreaker(t *testing.T) {
	inner := &failingStore{MemoryIndicatorStore: NewMemoryIndicatorStore(1, 10), err: context.DeadlineExceeded}
	s := NewResilientIndicatorStore(inner, testBreaker(), zerolog.Nop())
	ctx := context.Background()

	s.Get(ctx, "h")
	s.Get(ctx, "h")
	if err := s.Check(ctx); err == nil {
		t.Error("Expected open breaker to fail the health check")
	}
}
