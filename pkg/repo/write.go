package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/memtable"
	"github.com/KevoDB/indy/pkg/stats"
	"github.com/KevoDB/indy/pkg/telemetry"
)

// Update is a batch of writes committed atomically under one sequence number
type Update struct {
	entries []walker.Item
}

// Put adds key=value to the batch
func (u *Update) Put(key, value []byte) {
	u.entries = append(u.entries, walker.Item{Key: key, Op: walker.Put(value)})
}

// Delete adds a tombstone for key to the batch
func (u *Update) Delete(key []byte) {
	u.entries = append(u.entries, walker.Item{Key: key, Op: walker.Delete()})
}

// Len returns the number of writes in the batch
func (u *Update) Len() int { return len(u.entries) }

// Apply commits every write of u under one new sequence number and returns
// it. The writes are visible to views created after Apply returns. A batch
// naming the same key twice is rejected with layer.ErrDuplicateSequence.
func (r *Repo) Apply(ctx context.Context, u *Update) (uint64, error) {
	if u == nil || len(u.entries) == 0 {
		return 0, nil
	}
	if err := r.checkBatch(u); err != nil {
		return 0, err
	}

	start := time.Now()
	mem, err := r.reserve(u)
	if err != nil {
		return 0, err
	}
	seq := r.clock.Next()
	var bytes uint64
	for i, e := range u.entries {
		e.Seq = seq
		if err := mem.Apply(e); err != nil {
			r.mu.Unlock()
			if i > 0 {
				r.logger.Fatal("batch at seq %d applied partially (%d of %d): %v", seq, i, len(u.entries), err)
			}
			return 0, fmt.Errorf("apply at seq %d: %w", seq, err)
		}
		bytes += uint64(len(e.Key) + len(e.Op.Value))
	}
	r.mu.Unlock()

	elapsed := time.Since(start)
	op, telOp := stats.OpPut, telemetry.OpTypePut
	if len(u.entries) == 1 && u.entries[0].Op.IsTombstone() {
		op, telOp = stats.OpDelete, telemetry.OpTypeDelete
	}
	r.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	r.stats.TrackBytes(true, bytes)
	r.metrics.RecordWrite(ctx, telOp, len(u.entries), elapsed)
	return seq, nil
}

// reserve makes sure the active memory layer holds enough pool blocks for
// u. Waiting on the pool happens without mu so that a flush can free blocks
// meanwhile. It returns with mu held.
func (r *Repo) reserve(u *Update) (*memtable.Layer, error) {
	var res *memtable.Reservation
	for {
		r.mu.Lock()
		if r.closed.Load() || r.current == nil {
			r.mu.Unlock()
			res.Cancel()
			return nil, ErrClosed
		}
		mem := r.activeLayer()
		mem.Fill(res)
		n := mem.Shortfall(u.entries...)
		if n == 0 {
			return mem, nil
		}
		r.mu.Unlock()

		var err error
		if res, err = mem.Reserve(n); err != nil {
			return nil, fmt.Errorf("reserving memory for %d writes: %w", len(u.entries), err)
		}
	}
}

func (r *Repo) checkBatch(u *Update) error {
	if len(u.entries) < 2 {
		return nil
	}
	keys := make([][]byte, len(u.entries))
	for i, e := range u.entries {
		keys[i] = e.Key
	}
	sort.Slice(keys, func(i, j int) bool { return r.cmp.Compare(keys[i], keys[j]) < 0 })
	for i := 1; i < len(keys); i++ {
		if r.cmp.Compare(keys[i-1], keys[i]) == 0 {
			return fmt.Errorf("key %q appears twice in one batch: %w", keys[i], layer.ErrDuplicateSequence)
		}
	}
	return nil
}

// Put sets key to value
func (r *Repo) Put(ctx context.Context, key, value []byte) (uint64, error) {
	var u Update
	u.Put(key, value)
	return r.Apply(ctx, &u)
}

// Delete writes a tombstone for key
func (r *Repo) Delete(ctx context.Context, key []byte) (uint64, error) {
	var u Update
	u.Delete(key)
	return r.Apply(ctx, &u)
}

// UseSequenceNumbers reserves n sequence numbers for the caller and returns
// the first of them
func (r *Repo) UseSequenceNumbers(n uint64) uint64 {
	return r.clock.Use(n)
}
