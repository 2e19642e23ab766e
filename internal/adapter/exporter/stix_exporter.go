package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// stixNamespace derives stable STIX ids from indicator hashes, so re-exports
// of the same indicator update rather than duplicate it downstream.
var stixNamespace = uuid.MustParse("5a3c1a8e-4c1f-4a36-9d2e-7f0b6e1c2d41")

// STIXExporter exports the shared feed in STIX 2.1 format for SIEM ingestion
type STIXExporter struct {
	feed FeedSource
}

func NewSTIXExporter(feed FeedSource) *STIXExporter {
	return &STIXExporter{feed: feed}
}

// Export generates a STIX 2.1 bundle for the feed orgID is allowed to see.
func (e *STIXExporter) Export(ctx context.Context, orgID string, filter domain.FeedFilter) (string, error) {
	items, err := fetchCompliant(ctx, e.feed, orgID, filter)
	if err != nil {
		return "", err
	}

	bundle := STIXBundle{
		Type:    "bundle",
		ID:      fmt.Sprintf("bundle--%s", uuid.New().String()),
		Objects: make([]STIXObject, 0, len(items)),
	}
	for _, ind := range items {
		bundle.Objects = append(bundle.Objects, convertToSTIX(ind))
	}

	jsonData, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal STIX bundle")
	}
	return string(jsonData), nil
}

func convertToSTIX(ind domain.SharedIndicator) STIXObject {
	obj := STIXObject{
		Type:           "indicator",
		SpecVersion:    "2.1",
		ID:             fmt.Sprintf("indicator--%s", uuid.NewSHA1(stixNamespace, []byte(ind.IndicatorHash))),
		Created:        ind.FirstSeen.UTC().Format(time.RFC3339),
		Modified:       ind.LastSeen.UTC().Format(time.RFC3339),
		Name:           fmt.Sprintf("%s %s Indicator", strings.ToUpper(string(ind.Severity)), strings.ToUpper(string(ind.IOCType))),
		Pattern:        buildPattern(ind),
		PatternType:    "stix",
		ValidFrom:      ind.FirstSeen.UTC().Format(time.RFC3339),
		IndicatorTypes: mapIndicatorTypes(ind.ThreatCategory),
		Confidence:     confidencePercent(ind.Confidence),
		Labels:         []string{string(ind.ThreatCategory), "severity:" + string(ind.Severity)},
		Extensions: map[string]any{
			"x_intelcommons_risk_score":        ind.RiskScore,
			"x_intelcommons_contributing_orgs": ind.ContributingOrgsCount,
			"x_intelcommons_observations":      ind.ObservationCount,
		},
	}
	if !ind.ExpiresAt.IsZero() {
		obj.ValidUntil = ind.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if id := ind.Metadata["mitre_attack_id"]; id != "" {
		obj.ExternalReferences = append(obj.ExternalReferences, ExternalReference{
			SourceName: "mitre-attack",
			ExternalID: id,
			URL:        "https://attack.mitre.org/techniques/" + strings.ReplaceAll(id, ".", "/"),
		})
	}
	return obj
}

// buildPattern prefers the contributor's detection pattern. Raw values never
// reach the engine, so the fallback matches on the indicator hash.
func buildPattern(ind domain.SharedIndicator) string {
	if ind.PatternExpression != "" {
		return ind.PatternExpression
	}
	return fmt.Sprintf("[x-intelcommons-indicator:hash = '%s']", ind.IndicatorHash)
}

func mapIndicatorTypes(c domain.ThreatCategory) []string {
	mapping := map[domain.ThreatCategory][]string{
		domain.CommandAndControl: {"malicious-activity", "command-and-control"},
		domain.Malware:           {"malicious-activity", "malware-download"},
		domain.Ransomware:        {"malicious-activity", "malware-download"},
		domain.Phishing:          {"malicious-activity", "phishing"},
		domain.CredentialTheft:   {"malicious-activity", "phishing"},
		domain.Botnet:            {"malicious-activity", "botnet"},
		domain.Exploit:           {"malicious-activity", "exploitation"},
		domain.Scanning:          {"anomalous-activity"},
		domain.Fraud:             {"malicious-activity"},
	}

	if types, ok := mapping[c]; ok {
		return types
	}
	return []string{"unknown"}
}

// STIX 2.1 data structures

type STIXBundle struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Objects []STIXObject `json:"objects"`
}

type STIXObject struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	Created            string              `json:"created"`
	Modified           string              `json:"modified"`
	Name               string              `json:"name"`
	Pattern            string              `json:"pattern"`
	PatternType        string              `json:"pattern_type"`
	ValidFrom          string              `json:"valid_from"`
	ValidUntil         string              `json:"valid_until,omitempty"`
	IndicatorTypes     []string            `json:"indicator_types"`
	Confidence         int                 `json:"confidence"`
	Labels             []string            `json:"labels,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
	Extensions         map[string]any      `json:"-"`
}

// MarshalJSON inlines the x_ custom properties next to the standard ones.
func (o STIXObject) MarshalJSON() ([]byte, error) {
	type plain STIXObject
	base, err := json.Marshal(plain(o))
	if err != nil || len(o.Extensions) == 0 {
		return base, err
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range o.Extensions {
		merged[k] = v
	}
	return json.Marshal(merged)
}

type ExternalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
}
