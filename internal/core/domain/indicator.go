package domain

import (
	"slices"
	"time"
)

type IOCType string

const (
	IPv4      IOCType = "ipv4"
	IPv6      IOCType = "ipv6"
	Domain    IOCType = "domain"
	URL       IOCType = "url"
	FileHash  IOCType = "file_hash"
	Email     IOCType = "email"
	UserAgent IOCType = "user_agent"
	Token     IOCType = "token"
	OtherIOC  IOCType = "other"
)

var iocTypes = map[IOCType]struct{}{
	IPv4: {}, IPv6: {}, Domain: {}, URL: {}, FileHash: {}, Email: {}, UserAgent: {}, Token: {}, OtherIOC: {},
}

// Valid reports whether t is one of the known observable types.
func (t IOCType) Valid() bool {
	_, ok := iocTypes[t]
	return ok
}

type ThreatCategory string

const (
	Malware           ThreatCategory = "malware"
	Phishing          ThreatCategory = "phishing"
	CredentialTheft   ThreatCategory = "credential_theft"
	Ransomware        ThreatCategory = "ransomware"
	Botnet            ThreatCategory = "botnet"
	CommandAndControl ThreatCategory = "command_and_control"
	Exploit           ThreatCategory = "exploit"
	Scanning          ThreatCategory = "scanning"
	Fraud             ThreatCategory = "fraud"
	OtherCategory     ThreatCategory = "other"
)

var threatCategories = map[ThreatCategory]struct{}{
	Malware: {}, Phishing: {}, CredentialTheft: {}, Ransomware: {}, Botnet: {},
	CommandAndControl: {}, Exploit: {}, Scanning: {}, Fraud: {}, OtherCategory: {},
}

func (c ThreatCategory) Valid() bool {
	_, ok := threatCategories[c]
	return ok
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities so the highest reported level can be kept.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.rank() > 0 }

// MaxSeverity returns the more severe of a and b. Merges keep the highest
// level reported rather than the most frequent one, since the aggregate
// keeps no per-report severities to count.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Pattern is an optional STIX-style detection pattern attached by a contributor.
type Pattern struct {
	ID         string `json:"pattern_id,omitempty"`
	Expression string `json:"pattern_expression,omitempty"`
}

// Indicator is the anonymized unit of shared intelligence. It never carries the
// raw observable nor raw organization identifiers.
type Indicator struct {
	IndicatorHash     string
	IOCType           IOCType
	ThreatCategory    ThreatCategory
	Severity          Severity
	Confidence        float64
	RiskScore         float64
	ContributingOrgs  []string // organization hashes, grow-only, kept sorted
	ObservationCount  int64
	FirstSeen         time.Time
	LastSeen          time.Time
	ExpiresAt         time.Time
	PatternID         string
	PatternExpression string
	Metadata          map[string]string
}

// Clone returns a deep copy so store adapters can hand out values without
// sharing slices or maps with their internal state.
func (i *Indicator) Clone() *Indicator {
	if i == nil {
		return nil
	}
	c := *i
	c.ContributingOrgs = append([]string(nil), i.ContributingOrgs...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasContributor reports whether orgHash already submitted this indicator.
func (i *Indicator) HasContributor(orgHash string) bool {
	for _, o := range i.ContributingOrgs {
		if o == orgHash {
			return true
		}
	}
	return false
}

// AddContributor performs a set union with orgHash and reports whether the set grew.
func (i *Indicator) AddContributor(orgHash string) bool {
	if i.HasContributor(orgHash) {
		return false
	}
	i.ContributingOrgs = append(i.ContributingOrgs, orgHash)
	slices.Sort(i.ContributingOrgs)
	return true
}

// Shareable reports whether at least k distinct organizations contributed.
func (i *Indicator) Shareable(k int) bool {
	return len(i.ContributingOrgs) >= k
}

// Expired reports whether the indicator is past its time-to-live at now.
func (i *Indicator) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// SharedIndicator is the consumer-facing view of an indicator that crossed the
// anonymity threshold. ObservationCount is always a noised value.
type SharedIndicator struct {
	IndicatorHash         string            `json:"indicator_hash"`
	IOCType               IOCType           `json:"ioc_type"`
	ThreatCategory        ThreatCategory    `json:"threat_category"`
	Severity              Severity          `json:"severity"`
	Confidence            float64           `json:"confidence"`
	RiskScore             float64           `json:"risk_score"`
	ContributingOrgsCount int               `json:"contributing_orgs_count"`
	ObservationCount      int64             `json:"observation_count"`
	FirstSeen             time.Time         `json:"first_seen"`
	LastSeen              time.Time         `json:"last_seen"`
	ExpiresAt             time.Time         `json:"expires_at"`
	PatternID             string            `json:"pattern_id,omitempty"`
	PatternExpression     string            `json:"pattern_expression,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// ShareRequest is a single contributor submission.
type ShareRequest struct {
	Value          string            `json:"ioc_value"`
	IOCType        IOCType           `json:"ioc_type"`
	ThreatCategory ThreatCategory    `json:"threat_category"`
	Severity       Severity          `json:"severity"`
	Confidence     float64           `json:"confidence"`
	TTLHours       int               `json:"ttl_hours,omitempty"`
	Pattern        *Pattern          `json:"pattern,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ShareResult reports the outcome of a submission.
type ShareResult struct {
	Shared        bool   `json:"shared"`
	IndicatorHash string `json:"indicator_hash"`
	Message       string `json:"message"`
}

// ParticipationRecord is per-organization activity, keyed by organization hash.
type ParticipationRecord struct {
	OrgHash            string
	IndicatorsShared   int64
	IndicatorsConsumed int64
	LastActive         time.Time
}

type Operation string

const (
	OpShare    Operation = "share"
	OpFeed     Operation = "feed"
	OpQueryIOC Operation = "query_ioc"
)

// QueryLogEntry is one append-only audit record. Parameters never contain raw
// observable values.
type QueryLogEntry struct {
	ID            string    `json:"id"`
	RequesterHash string    `json:"requester_hash"`
	Operation     Operation `json:"operation"`
	Parameters    string    `json:"parameters"`
	ResultCount   int       `json:"result_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// NetworkStats are aggregate, non-sensitive statistics about the network.
type NetworkStats struct {
	TotalIndicators     int64   `json:"total_indicators"`
	SharedIndicators    int64   `json:"shared_indicators"`
	ActiveOrganizations int64   `json:"active_organizations"`
	Recent24hActivity   int64   `json:"recent_24h_activity"`
	KThreshold          int     `json:"k_threshold"`
	Epsilon             float64 `json:"epsilon"`
}

// ShortHash trims a hash for log fields.
func ShortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
