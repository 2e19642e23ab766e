// Package exporter renders the threat feed in formats SIEMs ingest. It reads
// through the engine so the threshold, noise and rate limit apply to exports
// exactly as they do to the JSON feed.
package exporter

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// ErrPrivacyViolation is returned when a feed fails ValidatePrivacy. Nothing
// is rendered in that case.
var ErrPrivacyViolation = errors.New("feed failed privacy validation")

// FeedSource is the part of the sharing engine an exporter reads from.
type FeedSource interface {
	GetThreatFeed(ctx context.Context, orgID string, filter domain.FeedFilter) ([]domain.SharedIndicator, error)
	KThreshold() int
	Epsilon() float64
}

// fetchCompliant loads a feed and checks it before any byte is written.
func fetchCompliant(ctx context.Context, src FeedSource, orgID string, filter domain.FeedFilter) ([]domain.SharedIndicator, error) {
	items, err := src.GetThreatFeed(ctx, orgID, filter)
	if err != nil {
		return nil, err
	}
	report := domain.ValidatePrivacy(items, src.KThreshold(), src.Epsilon())
	if !report.PrivacyCompliant {
		return nil, errors.Wrapf(ErrPrivacyViolation, "%d below threshold, disallowed metadata %s",
			report.KAnonymityViolations, strings.Join(append(report.DisallowedMetadata, report.PIILeaks...), ","))
	}
	return items, nil
}

func confidencePercent(c float64) int {
	return int(c*100 + 0.5)
}
