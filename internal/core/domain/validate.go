package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxIOCValueLength bounds the raw observable accepted for hashing.
	MaxIOCValueLength = 4096
	// MaxPatternLength bounds a contributor-supplied detection pattern.
	MaxPatternLength = 8192

	DefaultFeedLimit = 100
	MaxFeedLimit     = 1000
)

// TTLPolicy carries the time-to-live bounds, in hours, a submission must
// respect.
type TTLPolicy struct {
	DefaultHours int
	MinHours     int
	MaxHours     int
}

// DefaultTTLPolicy is one week by default, between one hour and one year.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{DefaultHours: 168, MinHours: 1, MaxHours: 8760}
}

// Resolve returns the effective TTL for a requested value, where 0 means
// "use the default".
func (p TTLPolicy) Resolve(hours int) time.Duration {
	if hours == 0 {
		hours = p.DefaultHours
	}
	return time.Duration(hours) * time.Hour
}

// Validate checks a submission. It does not mutate the request; callers
// normalize the value and sanitise metadata separately.
func (r ShareRequest) Validate(ttl TTLPolicy) error {
	v := strings.TrimSpace(r.Value)
	if v == "" {
		return NewValidationError("ioc_value", "must not be empty")
	}
	if len(v) > MaxIOCValueLength {
		return NewValidationError("ioc_value", fmt.Sprintf("longer than %d bytes", MaxIOCValueLength))
	}
	if !utf8.ValidString(v) {
		return NewValidationError("ioc_value", "not valid UTF-8")
	}
	if !r.IOCType.Valid() {
		return NewValidationError("ioc_type", fmt.Sprintf("unknown type %q", r.IOCType))
	}
	if !r.ThreatCategory.Valid() {
		return NewValidationError("threat_category", fmt.Sprintf("unknown category %q", r.ThreatCategory))
	}
	if !r.Severity.Valid() {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return NewValidationError("confidence", "must be within [0, 1]")
	}
	if r.TTLHours != 0 && (r.TTLHours < ttl.MinHours || r.TTLHours > ttl.MaxHours) {
		return NewValidationError("ttl_hours", fmt.Sprintf("must be within [%d, %d]", ttl.MinHours, ttl.MaxHours))
	}
	if r.Pattern != nil {
		if strings.TrimSpace(r.Pattern.Expression) == "" {
			return NewValidationError("pattern", "expression must not be empty")
		}
		if len(r.Pattern.Expression) > MaxPatternLength {
			return NewValidationError("pattern", fmt.Sprintf("longer than %d bytes", MaxPatternLength))
		}
	}
	return nil
}

// FeedFilter narrows a threat feed request. Zero values mean "no filter".
type FeedFilter struct {
	Severity      Severity       `json:"severity,omitempty"`
	Category      ThreatCategory `json:"threat_category,omitempty"`
	IOCType       IOCType        `json:"ioc_type,omitempty"`
	MinConfidence float64        `json:"min_confidence,omitempty"`
	Since         time.Time      `json:"since,omitempty"`
	Limit         int            `json:"limit,omitempty"`
}

// Validate rejects unknown enum values and out of range numbers.
func (f FeedFilter) Validate() error {
	if f.Severity != "" && !f.Severity.Valid() {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", f.Severity))
	}
	if f.Category != "" && !f.Category.Valid() {
		return NewValidationError("threat_category", fmt.Sprintf("unknown category %q", f.Category))
	}
	if f.IOCType != "" && !f.IOCType.Valid() {
		return NewValidationError("ioc_type", fmt.Sprintf("unknown type %q", f.IOCType))
	}
	if math.IsNaN(f.MinConfidence) || f.MinConfidence < 0 || f.MinConfidence > 1 {
		return NewValidationError("min_confidence", "must be within [0, 1]")
	}
	if f.Limit < 0 || f.Limit > MaxFeedLimit {
		return NewValidationError("limit", fmt.Sprintf("must be within [0, %d]", MaxFeedLimit))
	}
	return nil
}

// EffectiveLimit applies the default page size.
func (f FeedFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultFeedLimit
	}
	if f.Limit > MaxFeedLimit {
		return MaxFeedLimit
	}
	return f.Limit
}

// IndicatorQuery is what the engine asks a store for when building a feed.
// Stores may push it down (SQL) or evaluate Matches in memory.
type IndicatorQuery struct {
	MinContributors int
	NotExpiredAt    time.Time
	Severity        Severity
	Category        ThreatCategory
	IOCType         IOCType
	MinConfidence   float64
	Since           time.Time
	Limit           int
}

// Query converts a feed filter into a store query for shareable, unexpired
// indicators.
func (f FeedFilter) Query(k int, now time.Time) IndicatorQuery {
	return IndicatorQuery{
		MinContributors: k,
		NotExpiredAt:    now,
		Severity:        f.Severity,
		Category:        f.Category,
		IOCType:         f.IOCType,
		MinConfidence:   f.MinConfidence,
		Since:           f.Since,
		Limit:           f.EffectiveLimit(),
	}
}

// Matches evaluates the query predicate against a single indicator.
func (q IndicatorQuery) Matches(ind *Indicator) bool {
	if ind == nil {
		return false
	}
	if len(ind.ContributingOrgs) < q.MinContributors {
		return false
	}
	if !q.NotExpiredAt.IsZero() && ind.Expired(q.NotExpiredAt) {
		return false
	}
	if q.Severity != "" && ind.Severity != q.Severity {
		return false
	}
	if q.Category != "" && ind.ThreatCategory != q.Category {
		return false
	}
	if q.IOCType != "" && ind.IOCType != q.IOCType {
		return false
	}
	if ind.Confidence < q.MinConfidence {
		return false
	}
	if !q.Since.IsZero() && ind.LastSeen.Before(q.Since) {
		return false
	}
	return true
}
