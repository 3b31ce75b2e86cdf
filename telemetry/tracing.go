// OpenTelemetry tracing for task queue operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with queue-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include messages in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer bound to a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (messages in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Queue Spans ---

// QueueSpanOptions contains options for queue operation spans.
type QueueSpanOptions struct {
	From     string // status before a transition
	To       string // status after a transition
	WorkerID string
	Requeue  bool
	Message  string // Only included if debug=true

	// Recovery scan counters.
	Scanned int
	Fixed   int
	Failed  int
}

// StartQueueSpan starts a span for a queue operation on one task.
// key may be empty for operations that span the whole queue.
func (t *Tracer) StartQueueSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "queue."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("queue.op", op))
	if key != "" {
		span.SetAttributes(attribute.String("queue.task.key", key))
	}
	return ctx, span
}

// EndQueueSpan ends a queue span with attributes.
func (t *Tracer) EndQueueSpan(span trace.Span, opts QueueSpanOptions, err error) {
	var attrs []attribute.KeyValue
	if opts.From != "" {
		attrs = append(attrs, attribute.String("queue.status.from", opts.From))
	}
	if opts.To != "" {
		attrs = append(attrs, attribute.String("queue.status.to", opts.To))
	}
	if opts.WorkerID != "" {
		attrs = append(attrs, attribute.String("queue.worker", opts.WorkerID))
	}
	if opts.Requeue {
		attrs = append(attrs, attribute.Bool("queue.requeue", true))
	}
	if opts.Scanned > 0 || opts.Fixed > 0 || opts.Failed > 0 {
		attrs = append(attrs,
			attribute.Int("queue.sweep.scanned", opts.Scanned),
			attribute.Int("queue.sweep.fixed", opts.Fixed),
			attribute.Int("queue.sweep.failed", opts.Failed),
		)
	}
	if t.debug && opts.Message != "" {
		attrs = append(attrs, attribute.String("queue.message", truncate(opts.Message, 1000)))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
