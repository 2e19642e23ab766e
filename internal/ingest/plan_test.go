package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lists.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPlan(t *testing.T) {
	path := writePlan(t, `
organization_id: acme-soc
lists:
  - name: local
    location: /tmp/blocklist.txt
    threat_category: botnet
    severity: high
    confidence: 0.8
    ttl_hours: 48
    extract_hosts: true
`)

	p, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if p.OrganizationID != "acme-soc" {
		t.Errorf("Expected organization acme-soc, got %q", p.OrganizationID)
	}
	if len(p.Lists) != 1 {
		t.Fatalf("Expected 1 list, got %d", len(p.Lists))
	}
	l := p.Lists[0]
	if l.Category != domain.Botnet || l.Severity != domain.SeverityHigh || l.Confidence != 0.8 || l.TTLHours != 48 || !l.ExtractHosts {
		t.Errorf("Unexpected list config: %+v", l)
	}

	providers := p.Providers(nil, zerolog.Nop())
	if len(providers) != 1 || providers[0].Name() != "local" {
		t.Errorf("Expected one provider named local, got %v", providers)
	}
}

func TestLoadPlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing organization", "lists:\n  - name: a\n    location: b\n", "organization_id"},
		{"no lists", "organization_id: x\n", "at least one list"},
		{"list without location", "organization_id: x\nlists:\n  - name: a\n", "name and a location"},
		{"bad yaml", "organization_id: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPlan(writePlan(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
