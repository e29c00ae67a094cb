// ABOUTME: Replication telemetry: ranges served by a source and generations synced by a destination
// ABOUTME: A no-op implementation is used when no telemetry is configured

package replication

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/indy/pkg/telemetry"
)

// Metrics records file sync activity.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordPull records one range served to a peer.
	RecordPull(ctx context.Context, bytes int64, chunks int, duration time.Duration, err error)

	// RecordSync records one generation pulled from a peer.
	RecordSync(ctx context.Context, bytes int64, duration time.Duration, err error)
}

type replicationMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates replication metrics over tel. A nil tel yields no-op metrics.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &replicationMetrics{tel: tel}
}

func (m *replicationMetrics) attrs(op string, err error) []attribute.KeyValue {
	st := telemetry.StatusSuccess
	if err != nil {
		st = telemetry.StatusError
	}
	return []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentReplication),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, st),
	}
}

func (m *replicationMetrics) RecordPull(ctx context.Context, bytes int64, chunks int, duration time.Duration, err error) {
	attrs := m.attrs(telemetry.OpTypeRead, err)
	m.tel.RecordHistogram(ctx, "indy.replication.pull.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.replication.pull.chunks", int64(chunks), attrs...)
	if err == nil {
		telemetry.RecordBytes(ctx, m.tel, "indy.replication.pull.bytes", bytes, attrs...)
	}
}

func (m *replicationMetrics) RecordSync(ctx context.Context, bytes int64, duration time.Duration, err error) {
	attrs := m.attrs(telemetry.OpTypeWrite, err)
	m.tel.RecordHistogram(ctx, "indy.replication.sync.duration", duration.Seconds(), attrs...)
	if bytes > 0 {
		telemetry.RecordBytes(ctx, m.tel, "indy.replication.sync.bytes", bytes, attrs...)
	}
}

func (m *replicationMetrics) Close() error { return nil }

type noopMetrics struct{}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordPull(ctx context.Context, bytes int64, chunks int, duration time.Duration, err error) {
}

func (noopMetrics) RecordSync(ctx context.Context, bytes int64, duration time.Duration, err error) {}

func (noopMetrics) Close() error { return nil }
