// ABOUTME: Core telemetry abstraction over OpenTelemetry used by pools, repos, durable manager and volume
// ABOUTME: Components record histograms, counters and spans through this interface; a no-op form is used when disabled

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides the core abstraction over OpenTelemetry for Indy components.
// Components use this interface to record metrics and spans without depending directly on OpenTelemetry.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes and stops all providers.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is a marker interface for component-specific metrics interfaces.
type ComponentMetrics interface {
	// Close releases any resources held by the metrics implementation.
	Close() error
}

// NoopTelemetry records nothing.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the time elapsed since start in a histogram, in seconds.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes records a byte count in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Common attribute keys for consistent naming across components
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrLayerKind     = "layer.kind"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrRepoID        = "repo.id"
	AttrFileID        = "file.id"
	AttrGeneration    = "generation"
	AttrReason        = "reason"
	AttrOutcome       = "outcome"
)

// Common attribute values
const (
	OpTypePut    = "put"
	OpTypeDelete = "delete"
	OpTypeWalk   = "walk"
	OpTypeFlush  = "flush"
	OpTypeMerge  = "merge"
	OpTypeSave   = "save"
	OpTypeLoad   = "load"
	OpTypeAlloc  = "alloc"
	OpTypeFree   = "free"
	OpTypeRead   = "read"
	OpTypeWrite  = "write"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"

	ComponentPool        = "pool"
	ComponentVolume      = "volume"
	ComponentRepo        = "repo"
	ComponentDurable     = "durable"
	ComponentFileService = "fileservice"
	ComponentFiber       = "fiber"
	ComponentReplication = "replication"
	ComponentEngine      = "engine"
)
