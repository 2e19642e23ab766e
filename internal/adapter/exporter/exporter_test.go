package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

type fakeFeed struct {
	items []domain.SharedIndicator
	err   error
}

func (f *fakeFeed) GetThreatFeed(context.Context, string, domain.FeedFilter) ([]domain.SharedIndicator, error) {
	return f.items, f.err
}

func (f *fakeFeed) KThreshold() int { return 5 }
func (f *fakeFeed) Epsilon() float64 { return 0.1 }

func sampleIndicator() domain.SharedIndicator {
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.SharedIndicator{
		IndicatorHash:         strings.Repeat("ab", 32),
		IOCType:               domain.IPv4,
		ThreatCategory:        domain.CommandAndControl,
		Severity:              domain.SeverityCritical,
		Confidence:            0.8,
		RiskScore:             80,
		ContributingOrgsCount: 6,
		ObservationCount:      9,
		FirstSeen:             seen,
		LastSeen:              seen.Add(time.Hour),
		ExpiresAt:             seen.Add(168 * time.Hour),
		Metadata:              map[string]string{"mitre_attack_id": "T1071.001"},
	}
}

func TestSTIXExport(t *testing.T) {
	withPattern := sampleIndicator()
	withPattern.IndicatorHash = strings.Repeat("cd", 32)
	withPattern.PatternExpression = "[ipv4-addr:value = '203.0.113.5']"

	exp := NewSTIXExporter(&fakeFeed{items: []domain.SharedIndicator{sampleIndicator(), withPattern}})
	out, err := exp.Export(context.Background(), "org-a", domain.FeedFilter{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var bundle struct {
		Type    string           `json:"type"`
		Objects []map[string]any `json:"objects"`
	}
	if err := json.Unmarshal([]byte(out), &bundle); err != nil {
		t.Fatalf("Export produced invalid JSON: %v", err)
	}
	if bundle.Type != "bundle" || len(bundle.Objects) != 2 {
		t.Fatalf("Unexpected bundle %+v", bundle)
	}

	first := bundle.Objects[0]
	want := "[x-intelcommons-indicator:hash = '" + strings.Repeat("ab", 32) + "']"
	if first["pattern"] != want {
		t.Errorf("Expected hash fallback pattern, got %v", first["pattern"])
	}
	if first["confidence"] != float64(80) {
		t.Errorf("Expected confidence 80, got %v", first["confidence"])
	}
	if first["x_intelcommons_contributing_orgs"] != float64(6) {
		t.Errorf("Expected custom contributor property, got %v", first["x_intelcommons_contributing_orgs"])
	}
	if bundle.Objects[1]["pattern"] != "[ipv4-addr:value = '203.0.113.5']" {
		t.Errorf("Expected contributor pattern, got %v", bundle.Objects[1]["pattern"])
	}

	again, _ := exp.Export(context.Background(), "org-a", domain.FeedFilter{})
	if !strings.Contains(again, first["id"].(string)) {
		t.Error("Expected stable indicator ids across exports")
	}
}

func TestCEFExport(t *testing.T) {
	exp := NewCEFExporter(&fakeFeed{items: []domain.SharedIndicator{sampleIndicator()}})
	out, err := exp.Export(context.Background(), "org-a", domain.FeedFilter{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if !strings.HasPrefix(line, "CEF:0|IntelCommons|SharedThreatFeed|1.0|ipv4|") {
		t.Errorf("Unexpected header: %s", line)
	}
	for _, want := range []string{"|8|", "cn1=80", "cn3=6", "cnt=9", "cs1=" + strings.Repeat("ab", 32)} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %s", want, line)
		}
	}
}

func TestExportRefusesNonCompliantFeed(t *testing.T) {
	below := sampleIndicator()
	below.ContributingOrgsCount = 2
	leaky := sampleIndicator()
	leaky.Metadata = map[string]string{"organization_name": "ACME"}

	tests := []struct {
		name string
		item domain.SharedIndicator
	}{
		{"below threshold", below},
		{"identifying metadata", leaky},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := &fakeFeed{items: []domain.SharedIndicator{tt.item}}
			if _, err := NewSTIXExporter(feed).Export(context.Background(), "org-a", domain.FeedFilter{}); !errors.Is(err, ErrPrivacyViolation) {
				t.Errorf("Expected STIX privacy violation, got %v", err)
			}
			if _, err := NewCEFExporter(feed).Export(context.Background(), "org-a", domain.FeedFilter{}); !errors.Is(err, ErrPrivacyViolation) {
				t.Errorf("Expected CEF privacy violation, got %v", err)
			}
		})
	}
}

func TestExportPropagatesFeedErrors(t *testing.T) {
	feed := &fakeFeed{err: domain.ErrRateLimitExceeded}
	if _, err := NewCEFExporter(feed).Export(context.Background(), "org-a", domain.FeedFilter{}); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Errorf("Expected rate limit error, got %v", err)
	}
}

func TestCEFSeverity(t *testing.T) {
	tests := []struct {
		risk float64
		want int
	}{
		{100, 10}, {75, 8}, {50, 6}, {25, 4}, {5, 2},
	}
	for _, tt := range tests {
		if got := cefSeverity(tt.risk); got != tt.want {
			t.Errorf("cefSeverity(%v): expected %d, got %d", tt.risk, tt.want, got)
		}
	}
}
