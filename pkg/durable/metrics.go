// ABOUTME: Durable manager telemetry: saves, loads by result, writer flushes and merges with their outcomes
// ABOUTME: A no-op implementation is used when no telemetry is configured

package durable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/telemetry"
)

// Metrics records durable manager activity.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordSave records one saved version or tombstone.
	RecordSave(ctx context.Context, op string, bytes int)

	// RecordLoad records one load and where it was answered from.
	RecordLoad(ctx context.Context, result string, duration time.Duration)

	// RecordFlush records one writer run.
	RecordFlush(ctx context.Context, duration time.Duration, entries int, bytes int64, err error)

	// RecordMerge records one merger run over a group of generations.
	RecordMerge(ctx context.Context, duration time.Duration, inputs int, rs compaction.RetentionStats, err error)
}

type durableMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates durable metrics over tel. A nil tel yields no-op metrics.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &durableMetrics{tel: tel}
}

func (m *durableMetrics) attrs(op string, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentDurable),
		attribute.String(telemetry.AttrOperationType, op),
	}, extra...)
}

func status(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

func (m *durableMetrics) RecordSave(ctx context.Context, op string, bytes int) {
	attrs := m.attrs(telemetry.OpTypeSave, attribute.String("save.kind", op))
	m.tel.RecordCounter(ctx, "indy.durable.saves", 1, attrs...)
	if bytes > 0 {
		telemetry.RecordBytes(ctx, m.tel, "indy.durable.save.bytes", int64(bytes), attrs...)
	}
}

func (m *durableMetrics) RecordLoad(ctx context.Context, result string, duration time.Duration) {
	attrs := m.attrs(telemetry.OpTypeLoad, attribute.String(telemetry.AttrOutcome, result))
	m.tel.RecordHistogram(ctx, "indy.durable.load.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.durable.loads", 1, attrs...)
}

func (m *durableMetrics) RecordFlush(ctx context.Context, duration time.Duration, entries int, bytes int64, err error) {
	attrs := m.attrs(telemetry.OpTypeFlush, attribute.String(telemetry.AttrStatus, status(err)))
	m.tel.RecordHistogram(ctx, "indy.durable.flush.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.durable.flush.entries", int64(entries), attrs...)
	if bytes > 0 {
		telemetry.RecordBytes(ctx, m.tel, "indy.durable.flush.bytes", bytes, attrs...)
	}
}

func (m *durableMetrics) RecordMerge(ctx context.Context, duration time.Duration, inputs int, rs compaction.RetentionStats, err error) {
	attrs := m.attrs(telemetry.OpTypeMerge, attribute.String(telemetry.AttrStatus, status(err)))
	m.tel.RecordHistogram(ctx, "indy.durable.merge.duration", duration.Seconds(), attrs...)
	m.tel.RecordHistogram(ctx, "indy.durable.merge.inputs", float64(inputs), attrs...)
	for outcome, n := range map[compaction.Outcome]uint64{
		compaction.Survived:      rs.Survived,
		compaction.Expired:       rs.Expired,
		compaction.WasSuperseded: rs.Superseded,
	} {
		if n > 0 {
			m.tel.RecordCounter(ctx, "indy.durable.merge.entries", int64(n),
				append(attrs, attribute.String(telemetry.AttrOutcome, outcome.String()))...)
		}
	}
}

func (m *durableMetrics) Close() error { return nil }

type noopMetrics struct{}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordSave(ctx context.Context, op string, bytes int) {}

func (noopMetrics) RecordLoad(ctx context.Context, result string, duration time.Duration) {}

func (noopMetrics) RecordFlush(ctx context.Context, duration time.Duration, entries int, bytes int64, err error) {
}

func (noopMetrics) RecordMerge(ctx context.Context, duration time.Duration, inputs int, rs compaction.RetentionStats, err error) {
}

func (noopMetrics) Close() error { return nil }
