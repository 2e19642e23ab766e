package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hive-corporation/intelcommons/internal/adapter/exporter"
	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// SharingEngine is what the transports serve. *service.Engine implements it.
type SharingEngine interface {
	ShareIndicator(ctx context.Context, orgID string, req domain.ShareRequest) (*domain.ShareResult, error)
	GetThreatFeed(ctx context.Context, orgID string, filter domain.FeedFilter) ([]domain.SharedIndicator, error)
	QueryIOC(ctx context.Context, orgID, value string, iocType domain.IOCType) (*domain.SharedIndicator, error)
	GetNetworkStats(ctx context.Context) (*domain.NetworkStats, error)
	KThreshold() int
	Epsilon() float64
}

// QueryRequest carries a raw value in a request body so it never shows up in
// URLs or access logs.
type QueryRequest struct {
	Value   string         `json:"ioc_value"`
	IOCType domain.IOCType `json:"ioc_type,omitempty"`
}

// httpStatus maps engine errors onto HTTP status codes and a client-safe
// message. Internal details are never echoed back.
func httpStatus(err error) (int, string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "indicator not found"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable, "storage temporarily unavailable"
	case errors.Is(err, exporter.ErrPrivacyViolation):
		return http.StatusInternalServerError, "feed withheld by privacy validation"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
