package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
)

// Interceptor observes every message a workflow processes. WorkflowStart may
// decorate the context passed down the chain; neither call can fail the
// message.
type Interceptor interface {
	WorkflowStart(ctx context.Context, workflowID string, msg *message.Message) context.Context
	WorkflowEnd(ctx context.Context, workflowID string, original, processed *message.Message, err error)
}

type startedAtKey struct{}

func withStartedAt(ctx context.Context) context.Context {
	if _, ok := ctx.Value(startedAtKey{}).(time.Time); ok {
		return ctx
	}
	return context.WithValue(ctx, startedAtKey{}, time.Now())
}

func startedAt(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startedAtKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// MetricsInterceptor records outcome and duration per workflow.
type MetricsInterceptor struct {
	Metrics *metrics.Metrics
}

func (i MetricsInterceptor) WorkflowStart(ctx context.Context, _ string, _ *message.Message) context.Context {
	return withStartedAt(ctx)
}

func (i MetricsInterceptor) WorkflowEnd(ctx context.Context, workflowID string, _, _ *message.Message, err error) {
	i.Metrics.RecordMessage(workflowID, err == nil, time.Since(startedAt(ctx)))
}

// TracingInterceptor wraps processing in an OpenTelemetry span.
type TracingInterceptor struct {
	// Tracer defaults to the global provider's "flowadapter" tracer.
	Tracer trace.Tracer
}

func (i TracingInterceptor) tracer() trace.Tracer {
	if i.Tracer != nil {
		return i.Tracer
	}
	return otel.Tracer("flowadapter")
}

func (i TracingInterceptor) WorkflowStart(ctx context.Context, workflowID string, msg *message.Message) context.Context {
	ctx, span := i.tracer().Start(ctx, "ProcessMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("message.uuid", msg.UniqueID()),
		attribute.Int64("message.size", msg.Size()),
	)
	return ctx
}

func (i TracingInterceptor) WorkflowEnd(ctx context.Context, _ string, _, processed *message.Message, err error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	span.SetAttributes(attribute.Int("message.markers", len(processed.Markers())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// ThrottlingInterceptor delays messages so the workflow does not exceed a
// rate. A cancelled context releases the wait early.
type ThrottlingInterceptor struct {
	limiter *rate.Limiter
	logger  logging.ServiceLogger
}

// NewThrottlingInterceptor returns nil when cfg.Rate is zero. A nil
// interceptor lets every message through.
func NewThrottlingInterceptor(cfg config.Throttle, logger logging.ServiceLogger) *ThrottlingInterceptor {
	if cfg.Rate <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ThrottlingInterceptor{
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), burst),
		logger:  logging.OrNop(logger),
	}
}

func (i *ThrottlingInterceptor) WorkflowStart(ctx context.Context, workflowID string, _ *message.Message) context.Context {
	if i == nil {
		return ctx
	}
	if err := i.limiter.Wait(ctx); err != nil {
		i.logger.Debug("Throttle wait aborted", logging.LogFields{logging.FieldWorkflow: workflowID, "reason": err.Error()})
	}
	return ctx
}

func (i *ThrottlingInterceptor) WorkflowEnd(context.Context, string, *message.Message, *message.Message, error) {
}

// LoggingInterceptor logs the start and end of processing at debug level.
type LoggingInterceptor struct {
	Logger logging.ServiceLogger
}

func (i LoggingInterceptor) WorkflowStart(ctx context.Context, workflowID string, msg *message.Message) context.Context {
	logging.OrNop(i.Logger).Debug("Workflow start", logging.LogFields{
		logging.FieldWorkflow:  workflowID,
		logging.FieldMessageID: msg.UniqueID(),
	})
	return withStartedAt(ctx)
}

func (i LoggingInterceptor) WorkflowEnd(ctx context.Context, workflowID string, _, processed *message.Message, err error) {
	fields := logging.LogFields{
		logging.FieldWorkflow:  workflowID,
		logging.FieldMessageID: processed.UniqueID(),
		"duration_ms":          time.Since(startedAt(ctx)).Milliseconds(),
		"success":              err == nil,
	}
	logging.OrNop(i.Logger).Debug("Workflow end", fields)
}
