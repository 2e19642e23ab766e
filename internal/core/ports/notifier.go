package ports

import (
	"context"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// Notifier announces indicators to external systems.
type Notifier interface {
	// NotifyIndicatorShared fires once, when an indicator first reaches the
	// anonymity threshold. The payload is the same anonymized, noised view a
	// feed consumer would receive.
	NotifyIndicatorShared(ctx context.Context, ind domain.SharedIndicator) error
}
