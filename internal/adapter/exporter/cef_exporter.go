package exporter

import (
	"context"
	"fmt"
	"strings"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// CEFExporter exports the shared feed in Common Event Format for SIEM ingestion
type CEFExporter struct {
	feed FeedSource
}

func NewCEFExporter(feed FeedSource) *CEFExporter {
	return &CEFExporter{feed: feed}
}

// Export generates one CEF line per shared indicator.
// Format: CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func (e *CEFExporter) Export(ctx context.Context, orgID string, filter domain.FeedFilter) (string, error) {
	items, err := fetchCompliant(ctx, e.feed, orgID, filter)
	if err != nil {
		return "", err
	}

	var output strings.Builder
	for _, ind := range items {
		output.WriteString(formatCEF(ind))
		output.WriteString("\n")
	}
	return output.String(), nil
}

func formatCEF(ind domain.SharedIndicator) string {
	vendor := "IntelCommons"
	product := "SharedThreatFeed"
	version := "1.0"
	signatureID := string(ind.IOCType)
	name := fmt.Sprintf("%s %s indicator", strings.ToUpper(string(ind.IOCType)), ind.ThreatCategory)

	// CEF Extensions (key=value pairs)
	extensions := []string{
		"cs1Label=IndicatorHash",
		fmt.Sprintf("cs1=%s", escapeExtension(ind.IndicatorHash)),
		"cs2Label=ThreatCategory",
		fmt.Sprintf("cs2=%s", escapeExtension(string(ind.ThreatCategory))),
		"cs3Label=Severity",
		fmt.Sprintf("cs3=%s", escapeExtension(string(ind.Severity))),
		"cn1Label=ConfidenceScore",
		fmt.Sprintf("cn1=%d", confidencePercent(ind.Confidence)),
		"cn2Label=RiskScore",
		fmt.Sprintf("cn2=%d", int(ind.RiskScore+0.5)),
		"cn3Label=ContributingOrgs",
		fmt.Sprintf("cn3=%d", ind.ContributingOrgsCount),
		fmt.Sprintf("cnt=%d", ind.ObservationCount),
		fmt.Sprintf("rt=%d", ind.LastSeen.UnixMilli()),
	}
	if !ind.ExpiresAt.IsZero() {
		extensions = append(extensions, fmt.Sprintf("end=%d", ind.ExpiresAt.UnixMilli()))
	}

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		vendor, product, version, escapeHeader(signatureID), escapeHeader(name), cefSeverity(ind.RiskScore),
		strings.Join(extensions, " "))
}

// cefSeverity maps a 0-100 risk score to CEF's 0-10 scale.
func cefSeverity(risk float64) int {
	switch {
	case risk >= 90:
		return 10
	case risk >= 70:
		return 8
	case risk >= 40:
		return 6
	case risk >= 20:
		return 4
	}
	return 2
}

func escapeHeader(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "|", "\\|")
	return s
}

func escapeExtension(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "=", "\\=")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}
