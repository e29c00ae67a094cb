// ABOUTME: Pool telemetry: allocation outcomes with the number of backoff waits, and usage at close
// ABOUTME: A no-op implementation is used when no telemetry is configured

package pool

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/indy/pkg/telemetry"
)

// Metrics records pool activity.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordAlloc records one Alloc call, the waits it needed and whether it got a block.
	RecordAlloc(ctx context.Context, waits int, ok bool)

	// RecordUsage records blocks in use against capacity.
	RecordUsage(ctx context.Context, used, max int)
}

type poolMetrics struct {
	tel  telemetry.Telemetry
	name string
}

// NewMetrics creates pool metrics over tel. A nil tel yields no-op metrics.
func NewMetrics(tel telemetry.Telemetry, name string) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &poolMetrics{tel: tel, name: name}
}

func (m *poolMetrics) RecordAlloc(ctx context.Context, waits int, ok bool) {
	status := telemetry.StatusSuccess
	if !ok {
		status = telemetry.StatusError
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String("pool.name", m.name),
		attribute.String(telemetry.AttrStatus, status),
	}
	m.tel.RecordCounter(ctx, "indy.pool.alloc.total", 1, attrs...)
	if waits > 0 {
		m.tel.RecordHistogram(ctx, "indy.pool.alloc.waits", float64(waits), attrs...)
	}
}

func (m *poolMetrics) RecordUsage(ctx context.Context, used, max int) {
	m.tel.RecordHistogram(ctx, "indy.pool.blocks.used", float64(used),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String("pool.name", m.name),
		attribute.Int("pool.max", max),
	)
}

func (m *poolMetrics) Close() error { return nil }

type noopMetrics struct{}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordAlloc(ctx context.Context, waits int, ok bool) {}

func (noopMetrics) RecordUsage(ctx context.Context, used, max int) {}

func (noopMetrics) Close() error { return nil }
