// Package tracing implements the kernel's TraceRecorder on top of
// OpenTelemetry. Without an endpoint passed to New (the environment is
// not consulted) it runs a zero-overhead no-op tracer, so the
// kernel can always call into it unconditionally.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/google/uuid"
)

// Status mirrors the kernel's Trace/Span status values.
type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

// TraceMeta describes the top-level trace being opened for one turn.
type TraceMeta struct {
	ConversationID string
	TurnID         string
	AgentID        string
}

// SpanMeta describes one span within a trace.
type SpanMeta struct {
	Name     string
	AgentID  string
	Role     string // "supervisor" | "worker" | "tool"
	ParentID string
}

// spanRecord is the kernel-facing handle kept for each open span/trace.
type spanRecord struct {
	id        string
	traceID   string
	name      string
	status    Status
	startedAt time.Time
	endedAt   time.Time
	otelSpan  trace.Span
	otelCtx   context.Context
}

// Recorder implements the TraceRecorder interface (§6) the kernel consumes.
type Recorder struct {
	tracer trace.Tracer

	mu     sync.RWMutex
	traces map[string]*spanRecord
	spans  map[string]*spanRecord
}

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// New builds a Recorder. serviceName tags the OTel resource; endpoint, if
// non-empty, enables real export via otlptracehttp (otherwise spans are
// tracked in-process only, for tests and single-binary runs).
func New(serviceName, endpoint string) *Recorder {
	initOnce.Do(func() { initTracing(serviceName, endpoint) })
	return &Recorder{
		tracer: tracerProvider.Tracer(serviceName),
		traces: make(map[string]*spanRecord),
		spans:  make(map[string]*spanRecord),
	}
}

func initTracing(serviceName, endpoint string) {
	if endpoint == "" {
		return
	}
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Shutdown flushes pending spans, if a real exporter is active.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// StartTrace opens a new trace for one turn and returns its id.
func (r *Recorder) StartTrace(meta TraceMeta) string {
	traceID := uuid.New().String()
	ctx, span := r.tracer.Start(context.Background(), "turn",
		trace.WithAttributes(
			attribute.String("conversation_id", meta.ConversationID),
			attribute.String("turn_id", meta.TurnID),
			attribute.String("agent_id", meta.AgentID),
		))

	rec := &spanRecord{
		id:        traceID,
		traceID:   traceID,
		name:      "turn",
		status:    StatusRunning,
		startedAt: time.Now(),
		otelSpan:  span,
		otelCtx:   ctx,
	}

	r.mu.Lock()
	r.traces[traceID] = rec
	r.spans[traceID] = rec
	r.mu.Unlock()
	return traceID
}

// StartSpan opens a child span under traceID and returns its id.
func (r *Recorder) StartSpan(traceID string, meta SpanMeta) (string, error) {
	r.mu.RLock()
	parent, ok := r.traces[traceID]
	if meta.ParentID != "" {
		if p, ok2 := r.spans[meta.ParentID]; ok2 {
			parent = p
		}
	}
	r.mu.RUnlock()
	if !ok && parent == nil {
		return "", fmt.Errorf("tracing: unknown trace %q", traceID)
	}

	ctx, span := r.tracer.Start(parent.otelCtx, meta.Name,
		trace.WithAttributes(
			attribute.String("agent_id", meta.AgentID),
			attribute.String("role", meta.Role),
		))

	spanID := uuid.New().String()
	rec := &spanRecord{
		id:        spanID,
		traceID:   traceID,
		name:      meta.Name,
		status:    StatusRunning,
		startedAt: time.Now(),
		otelSpan:  span,
		otelCtx:   ctx,
	}

	r.mu.Lock()
	r.spans[spanID] = rec
	r.mu.Unlock()
	return spanID, nil
}

// EndSpan closes spanID with the given status. A non-nil err is recorded
// on the underlying OTel span.
func (r *Recorder) EndSpan(spanID string, status Status, err error) {
	r.mu.Lock()
	rec, ok := r.spans[spanID]
	r.mu.Unlock()
	if !ok {
		return
	}
	rec.status = status
	rec.endedAt = time.Now()
	if err != nil {
		rec.otelSpan.RecordError(err)
	}
	rec.otelSpan.End()
}

// EndTrace closes the top-level span for traceID.
func (r *Recorder) EndTrace(traceID string, status Status) {
	r.EndSpan(traceID, status, nil)
}

// GetSpanByID returns the tracked status/name for a span, for tests and
// diagnostics.
func (r *Recorder) GetSpanByID(spanID string) (name string, status Status, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.spans[spanID]
	if !ok {
		return "", "", false
	}
	return rec.name, rec.status, true
}

// GetTraceByID returns the tracked status for a trace.
func (r *Recorder) GetTraceByID(traceID string) (status Status, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.traces[traceID]
	if !ok {
		return "", false
	}
	return rec.status, true
}
