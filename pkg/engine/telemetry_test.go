// ABOUTME: Tests for engine-level telemetry recorded through a capturing telemetry double
// ABOUTME: Checks metric names, values and attributes of every EngineMetrics method

package engine

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/indy/pkg/telemetry"
)

// mockTelemetryServer captures telemetry calls for validation
type mockTelemetryServer struct {
	histograms []mockHistogramCall
	counters   []mockCounterCall
}

type mockHistogramCall struct {
	name  string
	value float64
	attrs []attribute.KeyValue
}

type mockCounterCall struct {
	name  string
	value int64
	attrs []attribute.KeyValue
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.histograms = append(m.histograms, mockHistogramCall{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.counters = append(m.counters, mockCounterCall{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error {
	return nil
}

func (m *mockTelemetryServer) histogram(name string) (mockHistogramCall, bool) {
	for _, h := range m.histograms {
		if h.name == name {
			return h, true
		}
	}
	return mockHistogramCall{}, false
}

func (m *mockTelemetryServer) counter(name string) (mockCounterCall, bool) {
	for _, c := range m.counters {
		if c.name == name {
			return c, true
		}
	}
	return mockCounterCall{}, false
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestNewEngineMetrics(t *testing.T) {
	if _, ok := NewEngineMetrics(&mockTelemetryServer{}).(*engineMetrics); !ok {
		t.Error("expected *engineMetrics for a real telemetry")
	}
	if _, ok := NewEngineMetrics(nil).(*noopEngineMetrics); !ok {
		t.Error("expected *noopEngineMetrics for nil telemetry")
	}
}

func TestEngineMetrics_Usage(t *testing.T) {
	mockTel := &mockTelemetryServer{}
	metrics := NewEngineMetrics(mockTel)
	ctx := context.Background()

	metrics.RecordMemoryUsage(ctx, telemetry.ComponentPool, 1024*1024)
	metrics.RecordDiskUsage(ctx, telemetry.ComponentVolume, 4096)

	h, ok := mockTel.histogram("indy.engine.memory.usage.bytes")
	if !ok || h.value != 1024*1024 {
		t.Errorf("memory usage = %+v (recorded=%v)", h, ok)
	}
	if got := attrValue(h.attrs, telemetry.AttrComponent); got != telemetry.ComponentPool {
		t.Errorf("memory usage component = %q", got)
	}
	h, ok = mockTel.histogram("indy.engine.disk.usage.bytes")
	if !ok || h.value != 4096 {
		t.Errorf("disk usage = %+v (recorded=%v)", h, ok)
	}
}

func TestEngineMetrics_RecordEngineOperation(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		status  string
	}{
		{"success", true, telemetry.StatusSuccess},
		{"failure", false, telemetry.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockTel := &mockTelemetryServer{}
			NewEngineMetrics(mockTel).RecordEngineOperation(context.Background(), "open_repo", 250*time.Millisecond, tt.success)

			h, ok := mockTel.histogram("indy.engine.operation.duration")
			if !ok || h.value != 0.25 {
				t.Fatalf("duration = %+v (recorded=%v)", h, ok)
			}
			if got := attrValue(h.attrs, telemetry.AttrStatus); got != tt.status {
				t.Errorf("status = %q, want %q", got, tt.status)
			}
			if got := attrValue(h.attrs, telemetry.AttrOperationType); got != "open_repo" {
				t.Errorf("operation = %q", got)
			}
			if c, ok := mockTel.counter("indy.engine.operation.count"); !ok || c.value != 1 {
				t.Errorf("count = %+v (recorded=%v)", c, ok)
			}
		})
	}
}

func TestEngineMetrics_Startup(t *testing.T) {
	mockTel := &mockTelemetryServer{}
	metrics := NewEngineMetrics(mockTel)
	ctx := context.Background()

	metrics.RecordComponentInitialization(ctx, telemetry.ComponentVolume, time.Second, false)
	metrics.RecordStartupMetrics(ctx, 2*time.Second, 5)
	metrics.RecordError(ctx, "open_repo", telemetry.ComponentRepo)

	h, ok := mockTel.histogram("indy.engine.component.initialization.duration")
	if !ok || attrValue(h.attrs, telemetry.AttrStatus) != telemetry.StatusError {
		t.Errorf("initialization = %+v (recorded=%v)", h, ok)
	}
	if h, ok := mockTel.histogram("indy.engine.startup.duration"); !ok || h.value != 2 {
		t.Errorf("startup duration = %+v (recorded=%v)", h, ok)
	}
	if c, ok := mockTel.counter("indy.engine.startup.components"); !ok || c.value != 5 {
		t.Errorf("startup components = %+v (recorded=%v)", c, ok)
	}
	c, ok := mockTel.counter("indy.engine.errors.total")
	if !ok || attrValue(c.attrs, telemetry.AttrErrorType) != "open_repo" {
		t.Errorf("errors = %+v (recorded=%v)", c, ok)
	}
}

func TestNoopEngineMetrics(t *testing.T) {
	metrics := NewNoopEngineMetrics()
	ctx := context.Background()
	metrics.RecordMemoryUsage(ctx, "pool", 1)
	metrics.RecordDiskUsage(ctx, "volume", 1)
	metrics.RecordEngineOperation(ctx, "flush", time.Millisecond, true)
	metrics.RecordComponentInitialization(ctx, "pool", time.Millisecond, true)
	metrics.RecordStartupMetrics(ctx, time.Millisecond, 1)
	metrics.RecordError(ctx, "flush", "engine")
	if err := metrics.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestGetMemoryStats(t *testing.T) {
	heapAlloc, heapSys, _ := GetMemoryStats()
	if heapAlloc <= 0 || heapSys < heapAlloc {
		t.Errorf("unexpected memory stats: alloc=%d sys=%d", heapAlloc, heapSys)
	}
}
