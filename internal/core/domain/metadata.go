package domain

// Metadata keys contributors may attach. Anything else is dropped on ingest
// because free-form fields are the easiest way to leak who reported what.
var allowedMetadataKeys = map[string]struct{}{
	"mitre_attack_id": {},
	"technique_name":  {},
	"tactic":          {},
	"platform":        {},
	"data_source":     {},
}

// identifying metadata keys flagged by ValidatePrivacy.
var piiMetadataKeys = []string{"email", "ip_address", "user_id", "organization_name"}

const maxMetadataValueLength = 256

// AllowedMetadataKey reports whether key survives sanitisation.
func AllowedMetadataKey(key string) bool {
	_, ok := allowedMetadataKeys[key]
	return ok
}

// SanitizeMetadata returns a copy of md restricted to the allowlist. Empty
// and oversized values are dropped. Returns nil when nothing survives.
func SanitizeMetadata(md map[string]string) map[string]string {
	var out map[string]string
	for k, v := range md {
		if !AllowedMetadataKey(k) || v == "" || len(v) > maxMetadataValueLength {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(md))
		}
		out[k] = v
	}
	return out
}

// MergeMetadata folds incoming sanitised metadata into existing. The first
// contributor to set a key wins.
func MergeMetadata(existing, incoming map[string]string) map[string]string {
	if len(incoming) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(map[string]string, len(incoming))
	}
	for k, v := range incoming {
		if _, ok := existing[k]; !ok {
			existing[k] = v
		}
	}
	return existing
}
