package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

type staticProvider struct {
	name string
	obs  []domain.ShareRequest
	err  error
}

func (p staticProvider) Name() string { return p.name }

func (p staticProvider) FetchObservations(context.Context) ([]domain.ShareRequest, error) {
	return p.obs, p.err
}

type countingSharer struct {
	mu     sync.Mutex
	values map[string]int
	limit  int
	calls  int
}

func (s *countingSharer) ShareIndicator(_ context.Context, orgID string, req domain.ShareRequest) (*domain.ShareResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.limit > 0 && s.calls > s.limit {
		return nil, domain.ErrRateLimitExceeded
	}
	if req.Value == "bad" {
		return nil, domain.NewValidationError("ioc_value", "bad")
	}
	if req.Value == "broken" {
		return nil, domain.NewPersistenceError("update", errors.New("down"))
	}
	if orgID != "org-a" {
		return nil, errors.New("unexpected organization")
	}
	if s.values == nil {
		s.values = map[string]int{}
	}
	s.values[req.Value]++
	return &domain.ShareResult{Shared: req.Value == "shared"}, nil
}

func observations(values ...string) []domain.ShareRequest {
	out := make([]domain.ShareRequest, len(values))
	for i, v := range values {
		out[i] = domain.ShareRequest{Value: v}
	}
	return out
}

func TestIngester_Run(t *testing.T) {
	sharer := &countingSharer{}
	providers := []ports.ObservationProvider{
		staticProvider{name: "a", obs: observations("one", "two", "shared")},
		staticProvider{name: "b", obs: observations("bad", "broken")},
		staticProvider{name: "c", err: errors.New("unreachable")},
	}

	sum, err := New(sharer, "org-a", 4, zerolog.Nop()).Run(context.Background(), providers)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := Summary{Fetched: 5, Shared: 1, Pending: 2, Invalid: 1, Failed: 1}
	if sum != want {
		t.Errorf("Expected %+v, got %+v", want, sum)
	}
	if sharer.values["one"] != 1 || sharer.values["two"] != 1 {
		t.Errorf("Expected every observation shared once, got %v", sharer.values)
	}
}

func TestIngester_StopsAtQuota(t *testing.T) {
	values := make([]string, 50)
	for i := range values {
		values[i] = fmt.Sprintf("198.51.100.%d", i)
	}
	sharer := &countingSharer{limit: 10}

	sum, err := New(sharer, "org-a", 1, zerolog.Nop()).Run(context.Background(), []ports.ObservationProvider{
		staticProvider{name: "big", obs: observations(values...)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Pending != 10 {
		t.Errorf("Expected 10 accepted observations, got %d", sum.Pending)
	}
	if sum.RateLimited < 1 {
		t.Error("Expected at least one rate limited observation")
	}
	if sum.Pending+sum.RateLimited >= 50 {
		t.Errorf("Expected remaining observations to be dropped, got %+v", sum)
	}
}
