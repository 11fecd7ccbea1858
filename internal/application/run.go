package application

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const SpanPrefix = "UC."

// Recorder holds the instruments shared by every invocation of a use case or worker handler.
type Recorder struct {
	tracer observability.Tracer
	log    observability.Logger
	req    observability.Counter   // usecase_requests_total{use_case,outcome}
	dur    observability.Histogram // usecase_duration_seconds{use_case}
}

func NewRecorder(tel observability.Observability, service string) Recorder {
	tel = Resolve(tel)
	m := tel.Metrics()
	return Recorder{
		tracer: tel.Tracer(),
		log:    tel.Logger().With(observability.F("service", service)),
		req:    m.Counter(observability.MUsecaseRequests),
		dur:    m.Histogram(observability.MUsecaseDuration),
	}
}

func (r Recorder) Logger() observability.Logger { return r.log }

// Count records an invocation that finished without running, e.g. an ignored event.
func (r Recorder) Count(useCase, outcome string) {
	if r.req != nil {
		r.req.Add(1,
			observability.L("use_case", useCase),
			observability.L("outcome", outcome),
		)
	}
}

// Begin opens the span and binds a logger carrying use_case and trace ids to ctx.
func (r Recorder) Begin(ctx context.Context, useCase, spanName string, attrs ...attribute.KeyValue) (context.Context, *Run) {
	attrs = append([]attribute.KeyValue{attribute.String("use_case", useCase)}, attrs...)
	ctx, span := r.tracer.Start(ctx, SpanPrefix+spanName, attrs...)

	logger := logctx.FromOr(ctx, r.log).With(observability.F("use_case", useCase))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logger = logger.With(
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	ctx = logctx.With(ctx, logger)

	return ctx, &Run{
		UseCase: useCase,
		Outcome: "success",
		Status:  "OK",
		Logger:  logger,
		rec:     r,
		span:    span,
		start:   time.Now(),
	}
}

// Run is a single invocation. Handlers set Outcome/Status as they go and call End once.
type Run struct {
	UseCase string
	Outcome string
	Status  string
	Logger  observability.Logger

	rec    Recorder
	span   trace.Span
	start  time.Time
	fields []observability.Field
}

func (u *Run) Fail(code string) { u.Outcome, u.Status = "error", code }

func (u *Run) Field(key string, value any) {
	u.fields = append(u.fields, observability.F(key, value))
}

func (u *Run) Span() trace.Span { return u.span }

func (u *Run) End(err error) {
	lat := time.Since(u.start).Seconds()
	if err != nil && u.Outcome == "success" {
		u.Fail(CodeOf(err))
	}

	if u.span != nil {
		if err != nil {
			u.span.RecordError(err)
			u.span.SetStatus(codes.Error, u.Status)
		} else {
			u.span.SetStatus(codes.Ok, u.Status)
		}
		u.span.End()
	}

	u.rec.Count(u.UseCase, u.Outcome)
	if u.rec.dur != nil {
		u.rec.dur.Observe(lat, observability.L("use_case", u.UseCase))
	}

	fields := append([]observability.Field{
		observability.F("outcome", u.Outcome),
		observability.F("status", u.Status),
		observability.F("latency_seconds", lat),
	}, u.fields...)
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	u.Logger.Info("use_case_done", fields...)
}
