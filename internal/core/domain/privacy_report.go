package domain

import "sort"

// PrivacyReport summarises whether a batch of shared indicators honours the
// anonymity guarantees before it leaves the system.
type PrivacyReport struct {
	TotalIndicators      int      `json:"total_indicators"`
	KAnonymityViolations int      `json:"k_anonymity_violations"`
	KAnonymityCompliant  int      `json:"k_anonymity_compliant"`
	DisallowedMetadata   []string `json:"disallowed_metadata,omitempty"`
	PIILeaks             []string `json:"pii_leaks,omitempty"`
	PrivacyCompliant     bool     `json:"privacy_compliant"`
	KThreshold           int      `json:"k_threshold"`
	Epsilon              float64  `json:"epsilon"`
}

// ValidatePrivacy checks every item against the threshold k and the metadata
// allowlist.
func ValidatePrivacy(items []SharedIndicator, k int, epsilon float64) PrivacyReport {
	report := PrivacyReport{
		TotalIndicators: len(items),
		KThreshold:      k,
		Epsilon:         epsilon,
	}

	disallowed := map[string]struct{}{}
	pii := map[string]struct{}{}
	for _, it := range items {
		if it.ContributingOrgsCount < k {
			report.KAnonymityViolations++
		}
		for key := range it.Metadata {
			if !AllowedMetadataKey(key) {
				disallowed[key] = struct{}{}
			}
		}
		for _, key := range piiMetadataKeys {
			if _, ok := it.Metadata[key]; ok {
				pii[key] = struct{}{}
			}
		}
	}

	report.KAnonymityCompliant = report.TotalIndicators - report.KAnonymityViolations
	report.DisallowedMetadata = sortedKeys(disallowed)
	report.PIILeaks = sortedKeys(pii)
	report.PrivacyCompliant = report.KAnonymityViolations == 0 &&
		len(report.DisallowedMetadata) == 0 && len(report.PIILeaks) == 0
	return report
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
