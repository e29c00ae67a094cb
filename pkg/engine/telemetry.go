// ABOUTME: Engine-level telemetry for startup, repo registry operations and resource levels
// ABOUTME: Records component initialization, pool and volume usage, and errors by component

package engine

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/indy/pkg/telemetry"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// Resource monitoring
	RecordMemoryUsage(ctx context.Context, component string, bytes int64)
	RecordDiskUsage(ctx context.Context, component string, bytes int64)

	// Operation tracing
	RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, success bool)

	// Component initialization
	RecordComponentInitialization(ctx context.Context, component string, duration time.Duration, success bool)
	RecordStartupMetrics(ctx context.Context, totalStartupTime time.Duration, componentCount int64)

	// Error tracking
	RecordError(ctx context.Context, errorType, component string)
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance. A nil tel yields
// no-op metrics.
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// RecordMemoryUsage records bytes held by a component
func (m *engineMetrics) RecordMemoryUsage(ctx context.Context, component string, bytes int64) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, component),
		attribute.String("memory.type", "allocated"),
	}
	m.tel.RecordHistogram(ctx, "indy.engine.memory.usage.bytes", float64(bytes), attrs...)
}

// RecordDiskUsage records bytes of volume space held by a component
func (m *engineMetrics) RecordDiskUsage(ctx context.Context, component string, bytes int64) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, component),
		attribute.String("disk.type", "volume"),
	}
	m.tel.RecordHistogram(ctx, "indy.engine.disk.usage.bytes", float64(bytes), attrs...)
}

// RecordEngineOperation records registry and maintenance operations
func (m *engineMetrics) RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrStatus, status(success)),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}
	m.tel.RecordHistogram(ctx, "indy.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.engine.operation.count", 1, attrs...)
}

// RecordComponentInitialization records component startup metrics
func (m *engineMetrics) RecordComponentInitialization(ctx context.Context, component string, duration time.Duration, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, component),
		attribute.String(telemetry.AttrStatus, status(success)),
	}
	m.tel.RecordHistogram(ctx, "indy.engine.component.initialization.duration", duration.Seconds(), attrs...)
}

// RecordStartupMetrics records overall engine startup metrics
func (m *engineMetrics) RecordStartupMetrics(ctx context.Context, totalStartupTime time.Duration, componentCount int64) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}
	m.tel.RecordHistogram(ctx, "indy.engine.startup.duration", totalStartupTime.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.engine.startup.components", componentCount, attrs...)
}

// RecordError records engine errors by type and component
func (m *engineMetrics) RecordError(ctx context.Context, errorType, component string) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrErrorType, errorType),
		attribute.String(telemetry.AttrComponent, component),
	}
	m.tel.RecordCounter(ctx, "indy.engine.errors.total", 1, attrs...)
}

// Close is a no-op; the engine owns the telemetry instance
func (m *engineMetrics) Close() error {
	return nil
}

// noopEngineMetrics provides a no-op implementation for testing or disabled telemetry
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordMemoryUsage(ctx context.Context, component string, bytes int64) {}
func (n *noopEngineMetrics) RecordDiskUsage(ctx context.Context, component string, bytes int64)   {}
func (n *noopEngineMetrics) RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
}
func (n *noopEngineMetrics) RecordComponentInitialization(ctx context.Context, component string, duration time.Duration, success bool) {
}
func (n *noopEngineMetrics) RecordStartupMetrics(ctx context.Context, totalStartupTime time.Duration, componentCount int64) {
}
func (n *noopEngineMetrics) RecordError(ctx context.Context, errorType, component string) {}
func (n *noopEngineMetrics) Close() error { return nil }

func status(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}

// GetMemoryStats retrieves current memory statistics using runtime
func GetMemoryStats() (heapAlloc, heapSys, stackInuse int64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return int64(m.HeapAlloc), int64(m.HeapSys), int64(m.StackInuse)
}
