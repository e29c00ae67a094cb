// ABOUTME: Repo telemetry: write batches, walk fan-out, flush and merge durations with their outcomes
// ABOUTME: A no-op implementation is used when no telemetry is configured

package repo

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/telemetry"
)

// Metrics records repo activity.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordWrite records one committed batch.
	RecordWrite(ctx context.Context, op string, entries int, duration time.Duration)

	// RecordWalk records how many layers a walk had to merge.
	RecordWalk(ctx context.Context, kind string, layers int)

	// RecordFlush records one flush attempt.
	RecordFlush(ctx context.Context, duration time.Duration, entries int, bytes int64, err error)

	// RecordMerge records one generation merge and what it kept.
	RecordMerge(ctx context.Context, duration time.Duration, inputs int, rs compaction.RetentionStats, err error)
}

type repoMetrics struct {
	tel    telemetry.Telemetry
	repoID string
}

// NewMetrics creates repo metrics over tel. A nil tel yields no-op metrics.
func NewMetrics(tel telemetry.Telemetry, repoID string) Metrics {
	if tel == nil {
		return NewNoopMetrics()
	}
	return &repoMetrics{tel: tel, repoID: repoID}
}

func (m *repoMetrics) attrs(op string, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRepo),
		attribute.String(telemetry.AttrRepoID, m.repoID),
		attribute.String(telemetry.AttrOperationType, op),
	}, extra...)
}

func status(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

func (m *repoMetrics) RecordWrite(ctx context.Context, op string, entries int, duration time.Duration) {
	attrs := m.attrs(op)
	m.tel.RecordHistogram(ctx, "indy.repo.write.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.repo.write.entries", int64(entries), attrs...)
}

func (m *repoMetrics) RecordWalk(ctx context.Context, kind string, layers int) {
	m.tel.RecordHistogram(ctx, "indy.repo.walk.layers", float64(layers),
		m.attrs(telemetry.OpTypeWalk, attribute.String("walk.kind", kind))...)
}

func (m *repoMetrics) RecordFlush(ctx context.Context, duration time.Duration, entries int, bytes int64, err error) {
	attrs := m.attrs(telemetry.OpTypeFlush, attribute.String(telemetry.AttrStatus, status(err)))
	m.tel.RecordHistogram(ctx, "indy.repo.flush.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "indy.repo.flush.entries", int64(entries), attrs...)
	if bytes > 0 {
		telemetry.RecordBytes(ctx, m.tel, "indy.repo.flush.bytes", bytes, attrs...)
	}
}

func (m *repoMetrics) RecordMerge(ctx context.Context, duration time.Duration, inputs int, rs compaction.RetentionStats, err error) {
	attrs := m.attrs(telemetry.OpTypeMerge, attribute.String(telemetry.AttrStatus, status(err)))
	m.tel.RecordHistogram(ctx, "indy.repo.merge.duration", duration.Seconds(), attrs...)
	m.tel.RecordHistogram(ctx, "indy.repo.merge.inputs", float64(inputs), attrs...)
	for outcome, n := range map[compaction.Outcome]uint64{
		compaction.Survived:      rs.Survived,
		compaction.WasSuperseded: rs.Superseded,
	} {
		if n > 0 {
			m.tel.RecordCounter(ctx, "indy.repo.merge.entries", int64(n),
				append(attrs, attribute.String(telemetry.AttrOutcome, outcome.String()))...)
		}
	}
}

func (m *repoMetrics) Close() error { return nil }

type noopMetrics struct{}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordWrite(ctx context.Context, op string, entries int, duration time.Duration) {}

func (noopMetrics) RecordWalk(ctx context.Context, kind string, layers int) {}

func (noopMetrics) RecordFlush(ctx context.Context, duration time.Duration, entries int, bytes int64, err error) {
}

func (noopMetrics) RecordMerge(ctx context.Context, duration time.Duration, inputs int, rs compaction.RetentionStats, err error) {
}

func (noopMetrics) Close() error { return nil }
