package workerpresentation

import (
	"context"

	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WithEventContext injects a request-scoped logger for background/worker executions.
// Dynamic fields only: trace_id/span_id (if valid), event_id (generated if empty),
// plus caller-provided low-cardinality attributes (e.g. "event", "handler").
func WithEventContext(
	ctx context.Context,
	base observability.Logger,
	traceID trace.TraceID,
	spanID trace.SpanID,
	attrs map[string]string,
) context.Context {
	if base == nil {
		base = observability.NopLogger()
	}

	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields := make([]observability.Field, 0, len(attrs)+3)
	fields = append(fields, observability.F("event_id", evtID))

	if traceID.IsValid() {
		fields = append(fields, observability.F("trace_id", traceID.String()))
	}
	if spanID.IsValid() {
		fields = append(fields, observability.F("span_id", spanID.String()))
	}
	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}
	return logctx.With(ctx, base.With(fields...))
}

// Observed decorates a Subscriber so every handler runs inside its own consumer
// span with an event-scoped logger in the context. The event name is expected on
// the incoming context logger already (the bus binds it).
type Observed struct {
	next    domoutbox.Subscriber
	handler string
	tel     observability.Observability
}

var _ domoutbox.Subscriber = Observed{}

// NewObserved wraps next. handler names the consuming component in logs and spans.
func NewObserved(next domoutbox.Subscriber, handler string, tel observability.Observability) Observed {
	if tel == nil {
		tel = observability.Nop()
	}
	return Observed{next: next, handler: handler, tel: tel}
}

func (o Observed) Subscribe(eventName string, h domoutbox.Handler) {
	o.next.Subscribe(eventName, func(ctx context.Context, e domoutbox.Event) error {
		ctx, span := o.tel.Tracer().Start(ctx, "consume "+eventName,
			attribute.String("messaging.operation", "process"),
			attribute.String("event.name", eventName),
			attribute.String("event.handler", o.handler),
		)
		defer span.End()

		sc := span.SpanContext()
		ctx = WithEventContext(ctx, logctx.FromOr(ctx, o.tel.Logger()), sc.TraceID(), sc.SpanID(), map[string]string{
			"handler": o.handler,
		})
		err := h(ctx, e)
		if err != nil {
			span.RecordError(err)
		}
		return err
	})
}
