package handler

import (
	"context"
	"testing"
	"time"

	"github.com/hive-corporation/intelcommons/internal/adapter/querylog"
	"github.com/hive-corporation/intelcommons/internal/adapter/repository"
	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/privacy"
	"github.com/hive-corporation/intelcommons/internal/core/ratelimit"
	"github.com/hive-corporation/intelcommons/internal/core/service"
)

type midpointSource struct{}

// Float64 returns the median, which the noiser maps to zero noise.
func (midpointSource) Float64() float64 { return 0.5 }

func newTestEngine(t *testing.T, rl ratelimit.Config) *service.Engine {
	t.Helper()
	cfg := service.DefaultConfig()
	qlog := querylog.NewMemoryLog(querylog.MemoryConfig{})
	e, err := service.New(cfg, service.Dependencies{
		Store:         repository.NewMemoryIndicatorStore(2, 100),
		Participation: repository.NewMemoryParticipationStore(),
		QueryLog:      qlog,
		Limiter:       ratelimit.New(qlog, rl),
		Hasher:        privacy.NewHasher(privacy.HasherConfig{}),
		Noiser:        privacy.NewNoiser(cfg.Epsilon, midpointSource{}),
	})
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}
	return e
}

func sampleShare(value string) domain.ShareRequest {
	return domain.ShareRequest{
		Value:          value,
		IOCType:        domain.IPv4,
		ThreatCategory: domain.CommandAndControl,
		Severity:       domain.SeverityCritical,
		Confidence:     0.8,
		Metadata:       map[string]string{"tactic": "command-and-control"},
	}
}

// stubEngine returns err from every call.
type stubEngine struct{ err error }

func (s stubEngine) ShareIndicator(context.Context, string, domain.ShareRequest) (*domain.ShareResult, error) {
	return nil, s.err
}

func (s stubEngine) GetThreatFeed(context.Context, string, domain.FeedFilter) ([]domain.SharedIndicator, error) {
	return nil, s.err
}

func (s stubEngine) QueryIOC(context.Context, string, string, domain.IOCType) (*domain.SharedIndicator, error) {
	return nil, s.err
}

func (s stubEngine) GetNetworkStats(context.Context) (*domain.NetworkStats, error) {
	return nil, s.err
}

func (stubEngine) KThreshold() int { return 5 }

func (stubEngine) Epsilon() float64 { return 0.1 }

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
