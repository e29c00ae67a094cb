package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/indy/pkg/common/trigger"
	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/common/walker/merge"
	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/sstable"
	"github.com/KevoDB/indy/pkg/stats"
)

// ShouldFlush reports whether the active memory layer has reached the flush
// threshold or an earlier flush left sealed memory layers behind
func (r *Repo) ShouldFlush() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return false
	}
	if r.activeLayer().IsFull(r.opts.FlushThreshold) {
		return true
	}
	return r.kind == Safe && len(sealedMemory(r.current.layers)) > 0
}

// Flush seals the active memory layer and merges all sealed memory layers.
// A Safe repo writes them to a new disk generation, registers it with the
// file service and only then swaps it into the mapping; a Fast repo merges
// them into a single memory layer.
func (r *Repo) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.maintMu.Lock()
	defer r.maintMu.Unlock()
	return r.flushLocked(ctx)
}

func (r *Repo) flushLocked(ctx context.Context) error {
	start := time.Now()
	r.rotate()

	m := r.acquireCurrent()
	if m == nil {
		return ErrClosed
	}
	defer r.releaseMapping(m)

	sealed := sealedMemory(m.layers)
	if len(sealed) == 0 || (r.kind == Fast && len(sealed) < 2) {
		return nil
	}

	var entries int
	for _, l := range sealed {
		entries += l.GetSize()
	}

	var repl layer.DataLayer
	var err error
	var bytes int64
	switch r.kind {
	case Safe:
		var gen *sstable.Layer
		gen, err = r.writeGeneration(ctx, r.allVersions(sealed))
		if gen != nil {
			repl = gen
			bytes = gen.Reader().Placement().Size
		}
	case Fast:
		repl, err = r.mergeMemory(sealed)
	}

	elapsed := time.Since(start)
	r.metrics.RecordFlush(ctx, elapsed, entries, bytes, err)
	if err != nil {
		r.stats.TrackError("flush")
		return fmt.Errorf("flushing %d memory layers: %w", len(sealed), err)
	}

	r.replace(sealed, repl)
	for _, l := range sealed {
		l.MarkForDelete()
	}
	r.stats.TrackOperationWithLatency(stats.OpFlush, uint64(elapsed.Nanoseconds()))
	r.logger.Info("flushed %d memory layers (%d entries) into generation %d in %s",
		len(sealed), entries, repl.GenID(), elapsed)
	return nil
}

// rotate seals a non-empty active memory layer and starts a new one
func (r *Repo) rotate() {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return
	}
	active := r.activeLayer()
	if active.GetSize() == 0 {
		r.mu.Unlock()
		return
	}
	active.Seal()
	layers := append([]layer.DataLayer{r.newMemLayer()}, r.current.layers...)
	prev := r.publishLocked(layers)
	r.mu.Unlock()

	r.releaseMapping(prev)
}

// sealedMemory returns the sealed memory layers that follow the active one
func sealedMemory(layers []layer.DataLayer) []layer.DataLayer {
	var out []layer.DataLayer
	for _, l := range layers[1:] {
		if l.Kind() != layer.KindMemory {
			break
		}
		out = append(out, l)
	}
	return out
}

// allVersions merges layers into one walk that keeps every version
func (r *Repo) allVersions(layers []layer.DataLayer) walker.Walker {
	subs := r.openSubWalkers(layers, func(l layer.DataLayer) walker.Walker {
		return l.NewRangePresentWalker(nil, nil)
	})
	return merge.NewPresentWalker(subs, merge.Options{Comparator: r.cmp, AllVersions: true})
}

func (r *Repo) mergeMemory(layers []layer.DataLayer) (layer.DataLayer, error) {
	merged := r.newMemLayer()
	src := r.allVersions(layers)
	defer src.Close()
	for ; src.Valid(); src.Next() {
		if err := merged.Apply(src.Item()); err != nil {
			merged.MarkForDelete()
			return nil, err
		}
	}
	if err := src.Err(); err != nil {
		merged.MarkForDelete()
		return nil, err
	}
	merged.Seal()
	return merged, nil
}

// writeGeneration builds a disk generation from src, stores it and waits
// until the file service has registered it. Nothing is left behind on
// failure. An empty src yields sstable.ErrEmpty.
func (r *Repo) writeGeneration(ctx context.Context, src walker.Walker) (*sstable.Layer, error) {
	data, st, err := sstable.Build(src, sstable.WriterOptions{
		Comparator: r.cmp,
		BlockSize:  r.opts.DataBlockSize,
	})
	if err != nil {
		return nil, err
	}

	vol := r.deps.Volume
	p, err := sstable.Store(vol, data)
	if err != nil {
		return nil, err
	}
	if err := vol.Sync(); err != nil {
		return nil, r.discard(p, err)
	}
	rd, err := sstable.Open(vol, p, r.cmp)
	if err != nil {
		return nil, r.discard(p, err)
	}

	gen := r.nextGen.Add(1)
	obj := fileservice.FileObj{
		Kind:                fileservice.DataFile,
		GenID:               gen,
		StartingBlockID:     p.StartBlock,
		StartingBlockOffset: p.StartOffset,
		FileSize:            p.Size,
		NumKeys:             st.NumKeys,
		LowestSeq:           st.LowestSeq,
		HighestSeq:          st.HighestSeq,
	}
	trig := trigger.New()
	if err := r.deps.Files.InsertFile(r.id, obj, trig); err != nil {
		return nil, r.discard(p, err)
	}
	if err := trig.Wait(ctx); err != nil {
		if rerr := r.deps.Files.RemoveFile(r.id, gen, nil); rerr != nil && !errors.Is(rerr, fileservice.ErrFileNotFound) {
			r.logger.Error("generation %d: unregistering after failed insert: %v", gen, rerr)
			return nil, err
		}
		return nil, r.discard(p, err)
	}

	r.stats.TrackBytes(true, uint64(p.Size))
	return sstable.NewLayer(gen, rd, r.destroyGeneration(gen, p)), nil
}

func (r *Repo) discard(p sstable.Placement, cause error) error {
	if err := sstable.Free(r.deps.Volume, p); err != nil {
		r.logger.Error("freeing unregistered generation blocks: %v", err)
	}
	return cause
}

// destroyGeneration returns the function that retires a disk generation
// once it is unreferenced. The catalog entry goes first so that a crash
// never leaves an entry pointing at reused blocks.
func (r *Repo) destroyGeneration(gen uint64, p sstable.Placement) func() {
	return func() {
		if err := r.deps.Files.RemoveFile(r.id, gen, nil); err != nil {
			r.logger.Error("generation %d: removing from catalog: %v; keeping its blocks", gen, err)
			return
		}
		if err := sstable.Free(r.deps.Volume, p); err != nil {
			r.logger.Fatal("generation %d: freeing blocks: %v", gen, err)
			return
		}
		r.logger.Debug("removed generation %d", gen)
	}
}

// Compact merges groups of disk generations chosen by the compaction
// strategy and returns how many groups were merged
func (r *Repo) Compact(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if r.kind == Fast {
		return 0, nil
	}
	r.maintMu.Lock()
	defer r.maintMu.Unlock()

	m := r.acquireCurrent()
	if m == nil {
		return 0, ErrClosed
	}
	defer r.releaseMapping(m)

	var disk []layer.DataLayer
	for _, l := range m.layers {
		if l.Kind() == layer.KindDisk {
			disk = append(disk, l)
		}
	}
	if len(disk) < 2 {
		return 0, nil
	}

	byGen := make(map[uint64]layer.DataLayer, len(disk))
	cands := make([]compaction.Candidate, len(disk))
	for i, l := range disk {
		byGen[l.GenID()] = l
		cands[i] = compaction.Candidate{
			GenID:      l.GenID(),
			NumKeys:    uint64(l.GetSize()),
			LowestSeq:  l.GetLowestSeq(),
			HighestSeq: l.GetHighestSeq(),
		}
	}
	oldest := disk[len(disk)-1].GenID()

	merged := 0
	for _, g := range r.strategy.Select(cands) {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		victims := make([]layer.DataLayer, len(g.Members))
		includesOldest := false
		for i, c := range g.Members {
			victims[i] = byGen[c.GenID]
			includesOldest = includesOldest || c.GenID == oldest
		}
		if err := r.mergeGroup(ctx, g, victims, includesOldest); err != nil {
			r.stats.TrackError("compact")
			return merged, err
		}
		merged++
	}
	return merged, nil
}

func (r *Repo) mergeGroup(ctx context.Context, g compaction.Group, victims []layer.DataLayer, includesOldest bool) error {
	start := time.Now()
	ret := compaction.NewRetentionWalker(r.allVersions(victims), r.cmp, compaction.Policy{
		Horizon:        r.horizon.Load(),
		IncludesOldest: includesOldest,
	})

	gen, err := r.writeGeneration(ctx, ret)
	if errors.Is(err, sstable.ErrEmpty) {
		err = nil
	}
	rs := ret.Stats()
	elapsed := time.Since(start)
	r.metrics.RecordMerge(ctx, elapsed, len(victims), rs, err)
	if err != nil {
		return fmt.Errorf("merging %s: %w", g, err)
	}

	var repl layer.DataLayer
	if gen != nil {
		repl = gen
	}
	r.replace(victims, repl)
	for _, l := range victims {
		l.MarkForDelete()
	}

	r.stats.TrackOperationWithLatency(stats.OpCompact, uint64(elapsed.Nanoseconds()))
	r.logger.Info("merged generations %v (%s): %d survived, %d superseded, %d tombstones dropped",
		g.GenIDs(), g, rs.Survived, rs.Superseded, rs.TombstonesDropped)
	return nil
}

var _ compaction.Target = (*Repo)(nil)
