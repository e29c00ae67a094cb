package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/stats"
)

// targets lists the open repos for the coordinator
func (e *Engine) targets() []compaction.Target {
	repos := e.Repos()
	out := make([]compaction.Target, len(repos))
	for i, r := range repos {
		out[i] = r
	}
	return out
}

// Flush moves the memory layers of every open repo and the durable slush
// toward disk
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	start := time.Now()

	var errs []error
	for _, r := range e.Repos() {
		if err := r.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing repo %s: %w", r.ID(), err))
		}
	}
	if err := e.durable.RunWriter(ctx); err != nil {
		errs = append(errs, fmt.Errorf("writing durable objects: %w", err))
	}

	err := errors.Join(errs...)
	e.stats.TrackOperationWithLatency(stats.OpFlush, uint64(time.Since(start).Nanoseconds()))
	e.metrics.RecordEngineOperation(ctx, "flush", time.Since(start), err == nil)
	return err
}

// TriggerCompaction runs one coordinator cycle over the open repos and one
// durable merge, returning how many durable groups were merged
func (e *Engine) TriggerCompaction(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	start := time.Now()

	err := e.coord.TriggerCompaction(ctx)
	n, derr := e.durable.RunMerger(ctx)
	if derr != nil {
		err = errors.Join(err, fmt.Errorf("merging durable objects: %w", derr))
	}

	e.stats.TrackOperationWithLatency(stats.OpCompact, uint64(time.Since(start).Nanoseconds()))
	e.metrics.RecordEngineOperation(ctx, "compact", time.Since(start), err == nil)
	return n, err
}

// GetCompactionStats returns the coordinator counters
func (e *Engine) GetCompactionStats() (map[string]interface{}, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.coord.GetCompactionStats(), nil
}
