package application

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

// ExternalObserver records RED metrics for calls that leave the process.
type ExternalObserver struct {
	counter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	histogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewExternalObserver(m observability.Metrics) ExternalObserver {
	if m == nil {
		m = observability.NopMetrics()
	}
	return ExternalObserver{
		counter:   m.Counter(observability.MExternalRequests),
		histogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

func (o ExternalObserver) Observe(peer, endpoint string, start time.Time, err error) {
	if o.counter != nil {
		o.counter.Add(1,
			observability.L("peer", peer),
			observability.L("endpoint", endpoint),
			observability.L("outcome", Outcome(err)),
		)
	}
	if o.histogram != nil {
		o.histogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", peer),
			observability.L("endpoint", endpoint),
		)
	}
}

// Outcome maps an error to the outcome label used across metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Resolve returns the observability bundle or a no-op one.
func Resolve(tel observability.Observability) observability.Observability {
	if tel == nil {
		return observability.Nop()
	}
	return tel
}
