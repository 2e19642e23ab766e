package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

type fakeClient struct {
	shared  []domain.ShareRequest
	filter  domain.FeedFilter
	known   map[string]domain.SharedIndicator
	queries []domain.IOCType
	closed  bool
}

func (f *fakeClient) ShareIndicator(_ context.Context, req domain.ShareRequest) (*domain.ShareResult, error) {
	f.shared = append(f.shared, req)
	return &domain.ShareResult{IndicatorHash: "abc", Message: "indicator recorded"}, nil
}

func (f *fakeClient) GetThreatFeed(_ context.Context, filter domain.FeedFilter) ([]domain.SharedIndicator, error) {
	f.filter = filter
	return []domain.SharedIndicator{{IndicatorHash: "abc", Severity: domain.SeverityHigh}}, nil
}

func (f *fakeClient) QueryIOC(_ context.Context, value string, t domain.IOCType) (*domain.SharedIndicator, error) {
	f.queries = append(f.queries, t)
	if ind, ok := f.known[value]; ok {
		return &ind, nil
	}
	return nil, status.Error(codes.NotFound, "indicator not found")
}

func (f *fakeClient) GetNetworkStats(context.Context) (*domain.NetworkStats, error) {
	return &domain.NetworkStats{KThreshold: 5, Epsilon: 0.1}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func run(t *testing.T, fc *fakeClient, args ...string) (string, error) {
	t.Helper()
	var gotOrg string
	root := NewRootCommand(func(server, orgID string) (Client, io.Closer, error) {
		gotOrg = orgID
		return fc, fc, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil && gotOrg != "org-a" {
		t.Errorf("Expected organization org-a, got %q", gotOrg)
	}
	return out.String(), err
}

func TestShareCommand(t *testing.T) {
	fc := &fakeClient{}
	out, err := run(t, fc, "--org", "org-a", "share", "203.0.113.5",
		"--category", "botnet", "--severity", "critical", "--confidence", "0.9",
		"--meta", "campaign=x", "--pattern", "[ipv4-addr:value = '203.0.113.5']")
	if err != nil {
		t.Fatalf("share failed: %v", err)
	}

	if len(fc.shared) != 1 {
		t.Fatalf("Expected 1 share, got %d", len(fc.shared))
	}
	req := fc.shared[0]
	if req.IOCType != domain.IPv4 {
		t.Errorf("Expected inferred type ipv4, got %s", req.IOCType)
	}
	if req.ThreatCategory != domain.Botnet || req.Severity != domain.SeverityCritical || req.Confidence != 0.9 {
		t.Errorf("Unexpected request: %+v", req)
	}
	if req.Metadata["campaign"] != "x" {
		t.Errorf("Expected metadata campaign=x, got %v", req.Metadata)
	}
	if req.Pattern == nil || req.Pattern.Expression == "" {
		t.Error("Expected pattern to be attached")
	}
	if !strings.Contains(out, `"indicator_hash": "abc"`) {
		t.Errorf("Expected JSON result, got %s", out)
	}
	if !fc.closed {
		t.Error("Expected connection to be closed")
	}
}

func TestFeedAndStatsCommands(t *testing.T) {
	fc := &fakeClient{}
	out, err := run(t, fc, "--org", "org-a", "feed", "--severity", "high", "--limit", "10", "--since", "1h")
	if err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if fc.filter.Severity != domain.SeverityHigh || fc.filter.Limit != 10 || fc.filter.Since.IsZero() {
		t.Errorf("Unexpected filter: %+v", fc.filter)
	}
	var feed []domain.SharedIndicator
	if err := json.Unmarshal([]byte(out), &feed); err != nil || len(feed) != 1 {
		t.Errorf("Expected one indicator in output, got %s (%v)", out, err)
	}

	out, err = run(t, &fakeClient{}, "--org", "org-a", "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(out, `"k_threshold": 5`) {
		t.Errorf("Expected k_threshold in output, got %s", out)
	}
}

func TestQueryCommand_NotFound(t *testing.T) {
	_, err := run(t, &fakeClient{}, "--org", "org-a", "query", "evil.example")
	if err == nil || !strings.Contains(err.Error(), "notfound") {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.txt")
	body := "# local hosts\n198.51.100.1\nevil.example extra\n\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	clean := &fakeClient{}
	out, err := run(t, clean, "--org", "org-a", "check", path)
	if err != nil {
		t.Fatalf("Expected clean list to pass, got %v", err)
	}
	if !strings.Contains(out, "2 checked, 0 shared") {
		t.Errorf("Unexpected summary: %s", out)
	}
	if len(clean.queries) != 2 || clean.queries[0] != domain.IPv4 || clean.queries[1] != domain.Domain {
		t.Errorf("Expected inferred types [ipv4 domain], got %v", clean.queries)
	}

	dirty := &fakeClient{known: map[string]domain.SharedIndicator{
		"evil.example": {ThreatCategory: domain.Phishing, Severity: domain.SeverityHigh, ContributingOrgsCount: 6},
	}}
	out, err = run(t, dirty, "--org", "org-a", "check", path)
	if !errors.Is(err, ErrThreatsFound) {
		t.Fatalf("Expected ErrThreatsFound, got %v", err)
	}
	if !strings.Contains(out, "[SHARED]  evil.example") {
		t.Errorf("Expected shared line, got %s", out)
	}
}

func TestRootCommand_RequiresOrganization(t *testing.T) {
	t.Setenv("INTELCOMMONS_ORG", "")
	root := NewRootCommand(func(string, string) (Client, io.Closer, error) {
		t.Fatal("dial should not be called")
		return nil, nil, nil
	})
	root.SetArgs([]string{"stats"})
	root.SetOut(io.Discard)
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--org") {
		t.Errorf("Expected missing org error, got %v", err)
	}
}
