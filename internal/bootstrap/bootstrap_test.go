package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/config"
	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

func TestBuild_MemoryBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Privacy.KThreshold = 1

	app, err := Build(context.Background(), &cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer app.Close()

	res, err := app.Engine.ShareIndicator(context.Background(), "org-a", domain.ShareRequest{
		Value:          "203.0.113.5",
		IOCType:        domain.IPv4,
		ThreatCategory: domain.Botnet,
		Severity:       domain.SeverityHigh,
		Confidence:     0.8,
	})
	if err != nil {
		t.Fatalf("ShareIndicator failed: %v", err)
	}
	if !res.Shared {
		t.Error("Expected indicator to be shared with k = 1")
	}
	if app.Janitor == nil || app.Store == nil {
		t.Error("Expected janitor and store to be wired")
	}

	names := map[string]bool{}
	for _, c := range app.Checks {
		names[c.Name] = true
		if err := c.Fn(context.Background()); err != nil {
			t.Errorf("Expected %s to be healthy, got %v", c.Name, err)
		}
	}
	if !names["indicator_store"] || !names["query_log"] {
		t.Errorf("Expected store and query log checks, got %v", names)
	}
}

func TestBuild_RedisQueryLog(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.QueryLog.Backend = "redis"
	cfg.QueryLog.RedisAddr = mr.Addr()

	app, err := Build(context.Background(), &cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer app.Close()

	if _, err := app.Engine.GetThreatFeed(context.Background(), "org-a", domain.FeedFilter{}); err != nil {
		t.Fatalf("GetThreatFeed failed: %v", err)
	}
	if len(mr.Keys()) == 0 {
		t.Error("Expected the feed request to be logged in redis")
	}
}

func TestBuild_UnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.QueryLog.Backend = "redis"
	cfg.QueryLog.RedisAddr = "127.0.0.1:1"

	if _, err := Build(context.Background(), &cfg, zerolog.Nop()); err == nil {
		t.Error("Expected error when redis is unreachable")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Indicators.DefaultTTLHours = 24
	cfg.Privacy.DisclosePendingCount = false

	ec := EngineConfig(&cfg)
	if ec.TTL.DefaultHours != 24 || ec.KThreshold != 5 || ec.DisclosePendingCount {
		t.Errorf("Unexpected engine config %+v", ec)
	}
}
