package application

import (
	"context"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

const (
	PublishPeer    = "outbox"
	PublishTimeout = 300 * time.Millisecond
)

// PublishBestEffort hands e to publisher under PublishTimeout. A failure is logged and
// returned for the caller's status, never propagated as a use case error.
func PublishBestEffort(ctx context.Context, publisher domoutbox.Publisher, ext ExternalObserver, logger observability.Logger, e domoutbox.Event) error {
	if publisher == nil || e == nil {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	start := time.Now()
	err := publisher.Publish(pubCtx, e)
	ext.Observe(PublishPeer, e.EventName(), start, err)
	if err != nil && logger != nil {
		logger.Warn("event_publish_failed",
			observability.F("event", e.EventName()),
			observability.F("error", err.Error()),
		)
	}
	return err
}
