package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

type fakeLog struct {
	mu      sync.Mutex
	entries []domain.QueryLogEntry
	err     error
}

func (f *fakeLog) Append(_ context.Context, e domain.QueryLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLog) Count(_ context.Context, requester string, ops []domain.Operation, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for _, e := range f.entries {
		if e.RequesterHash != requester || e.Timestamp.Before(since) {
			continue
		}
		for _, op := range ops {
			if e.Operation == op {
				n++
				break
			}
		}
	}
	return n, nil
}

func TestLimiter_ShareQuota(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &fakeLog{}
	cfg := Config{
		Share: Quota{Limit: 3, Window: 24 * time.Hour},
		Query: Quota{Limit: 100, Window: time.Hour},
	}
	l := New(log, cfg, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "org-a", ClassShare); err != nil {
			t.Fatalf("Expected share %d to be allowed, got %v", i, err)
		}
		log.Append(ctx, domain.QueryLogEntry{RequesterHash: "org-a", Operation: domain.OpShare, Timestamp: now})
	}

	if err := l.Check(ctx, "org-a", ClassShare); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Errorf("Expected rate limit error, got %v", err)
	}
	if err := l.Check(ctx, "org-b", ClassShare); err != nil {
		t.Errorf("Expected other organization to be unaffected, got %v", err)
	}
	if err := l.Check(ctx, "org-a", ClassQuery); err != nil {
		t.Errorf("Expected query class to be independent, got %v", err)
	}
}

func TestLimiter_QueryClassCombinesFeedAndLookup(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &fakeLog{entries: []domain.QueryLogEntry{
		{RequesterHash: "org-a", Operation: domain.OpFeed, Timestamp: now.Add(-10 * time.Minute)},
		{RequesterHash: "org-a", Operation: domain.OpQueryIOC, Timestamp: now.Add(-5 * time.Minute)},
	}}
	cfg := Config{
		Share: Quota{Limit: 100, Window: time.Hour},
		Query: Quota{Limit: 2, Window: time.Hour},
	}
	l := New(log, cfg, WithClock(func() time.Time { return now }))

	ok, err := l.Allow(context.Background(), "org-a", ClassQuery)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Error("Expected feed and query_ioc to count against the same quota")
	}
}

func TestLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &fakeLog{entries: []domain.QueryLogEntry{
		{RequesterHash: "org-a", Operation: domain.OpFeed, Timestamp: now.Add(-61 * time.Minute)},
		{RequesterHash: "org-a", Operation: domain.OpFeed, Timestamp: now.Add(-30 * time.Minute)},
	}}
	cfg := Config{Share: Quota{Limit: 1, Window: time.Hour}, Query: Quota{Limit: 2, Window: time.Hour}}
	l := New(log, cfg, WithClock(func() time.Time { return now }))

	ok, _ := l.Allow(context.Background(), "org-a", ClassQuery)
	if !ok {
		t.Error("Expected entry older than the window to be ignored")
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	log := &fakeLog{err: errors.New("redis down")}
	l := New(log, DefaultConfig())

	ok, err := l.Allow(context.Background(), "org-a", ClassShare)
	if err != nil || !ok {
		t.Errorf("Expected fail-open allow, got ok=%v err=%v", ok, err)
	}
}

func TestLimiter_UnknownClass(t *testing.T) {
	l := New(&fakeLog{}, DefaultConfig())

	if _, err := l.Allow(context.Background(), "org-a", Class("admin")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Share.Limit != 10000 || cfg.Share.Window != 24*time.Hour {
		t.Errorf("Unexpected share quota %+v", cfg.Share)
	}
	if cfg.Query.Limit != 1000 || cfg.Query.Window != time.Hour {
		t.Errorf("Unexpected query quota %+v", cfg.Query)
	}
}
