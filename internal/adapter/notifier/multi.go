package notifier

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
	"github.com/hive-corporation/intelcommons/internal/metrics"
)

// Named pairs a notifier with a label for logs and metrics.
type Named struct {
	Name     string
	Notifier ports.Notifier
}

// Multi fans a notification out to every configured notifier. A failing
// notifier does not stop the others.
type Multi struct {
	targets []Named
	logger  zerolog.Logger
}

var _ ports.Notifier = (*Multi)(nil)

func NewMulti(logger zerolog.Logger, targets ...Named) *Multi {
	return &Multi{targets: targets, logger: logger}
}

func (m *Multi) Len() int { return len(m.targets) }

func (m *Multi) NotifyIndicatorShared(ctx context.Context, ind domain.SharedIndicator) error {
	var firstErr error
	for _, t := range m.targets {
		err := t.Notifier.NotifyIndicatorShared(ctx, ind)
		metrics.RecordNotification(t.Name, err)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("notifier", t.Name).
				Str("indicator", domain.ShortHash(ind.IndicatorHash)).
				Msg("notification failed")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "%s notifier", t.Name)
			}
		}
	}
	return firstErr
}
