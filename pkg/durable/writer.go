package durable

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/trigger"
	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/common/walker/merge"
	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/sstable"
	"github.com/KevoDB/indy/pkg/stats"
)

// RunWriter moves the slush layer to disk. The slush layer joins the
// mapping right away so readers keep seeing it; it is replaced by the new
// disk-ordered generation only once the file service has registered that
// generation. A failed write leaves it in the mapping for the next run.
func (m *Manager) RunWriter(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	return m.runWriterLocked(ctx)
}

func (m *Manager) runWriterLocked(ctx context.Context) error {
	start := time.Now()
	m.swapSlush()

	mp := m.acquireCurrent()
	if mp == nil {
		return ErrClosed
	}
	defer m.releaseMapping(mp)

	var pending []layer.DataLayer
	var entries int
	for _, l := range mp.layers {
		if l.Kind() == layer.KindMemory {
			pending = append(pending, l)
			entries += l.GetSize()
		}
	}
	if len(pending) == 0 {
		return nil
	}

	gen, err := m.writeGeneration(ctx, m.allVersions(pending))
	elapsed := time.Since(start)
	var bytes int64
	if gen != nil {
		bytes = gen.Reader().Placement().Size
	}
	m.metrics.RecordFlush(ctx, elapsed, entries, bytes, err)
	if err != nil {
		m.stats.TrackError("durable_flush")
		return fmt.Errorf("writing %d slush layers: %w", len(pending), err)
	}

	m.replace(pending, gen)
	for _, l := range pending {
		l.MarkForDelete()
	}
	m.stats.TrackOperationWithLatency(stats.OpDurableFlush, uint64(elapsed.Nanoseconds()))
	m.logger.Info("wrote %d durable versions to generation %d in %s", entries, gen.GenID(), elapsed)
	return nil
}

// swapSlush seals a non-empty slush layer, adds it to the mapping and
// starts a new one
func (m *Manager) swapSlush() {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	old := m.slush
	if old == nil || old.GetSize() == 0 {
		return
	}
	old.Seal()
	m.addMapping(old)
	m.slush = m.newSlush()
}

// RunMerger merges runs of adjacent disk-ordered generations of the same
// size class and returns how many runs it merged
func (m *Manager) RunMerger(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	mp := m.acquireCurrent()
	if mp == nil {
		return 0, ErrClosed
	}
	defer m.releaseMapping(mp)

	var disk []layer.DataLayer
	for _, l := range mp.layers {
		if l.Kind() == layer.KindDisk {
			disk = append(disk, l)
		}
	}
	if len(disk) < m.opts.MergeFanIn {
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
	for _, g := range m.strategy.Select(cands) {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		victims := make([]layer.DataLayer, len(g.Members))
		includesOldest := false
		for i, c := range g.Members {
			victims[i] = byGen[c.GenID]
			includesOldest = includesOldest || c.GenID == oldest
		}
		if err := m.mergeGroup(ctx, g, victims, includesOldest); err != nil {
			m.stats.TrackError("durable_merge")
			return merged, err
		}
		merged++
	}
	return merged, nil
}

func (m *Manager) mergeGroup(ctx context.Context, g compaction.Group, victims []layer.DataLayer, includesOldest bool) error {
	start := time.Now()
	ret := compaction.NewRetentionWalker(m.allVersions(victims), layer.Bytewise, compaction.Policy{
		Horizon:        math.MaxUint64,
		IncludesOldest: includesOldest,
		IsExpired:      m.isExpired,
		Notify:         m.notify,
	})

	gen, err := m.writeGeneration(ctx, ret)
	if errors.Is(err, sstable.ErrEmpty) {
		err = nil
	}
	rs := ret.Stats()
	elapsed := time.Since(start)
	m.metrics.RecordMerge(ctx, elapsed, len(victims), rs, err)
	if err != nil {
		return fmt.Errorf("merging %s: %w", g, err)
	}

	var repl layer.DataLayer
	if gen != nil {
		repl = gen
	}
	m.replace(victims, repl)
	for _, l := range victims {
		l.MarkForDelete()
	}

	m.stats.TrackOperationWithLatency(stats.OpDurableMerge, uint64(elapsed.Nanoseconds()))
	m.logger.Info("merged durable generations %v: %d survived, %d expired, %d superseded",
		g.GenIDs(), rs.Survived, rs.Expired, rs.Superseded)
	return nil
}

// notify forwards a merge outcome to the Notify option. Dropped tombstones
// are reported as superseded.
func (m *Manager) notify(item walker.Item, outcome compaction.Outcome) {
	if m.opts.Notify == nil {
		return
	}
	id, err := uuid.FromBytes(item.Key)
	if err != nil {
		m.logger.Error("merge produced a non-uuid key %x", item.Key)
		return
	}
	m.opts.Notify(id, item.Seq, outcome)
}

func (m *Manager) allVersions(layers []layer.DataLayer) walker.Walker {
	subs := make([]walker.Walker, len(layers))
	for i, l := range layers {
		subs[i] = l.NewRangePresentWalker(nil, nil)
	}
	return merge.NewPresentWalker(subs, merge.Options{Comparator: layer.Bytewise, AllVersions: true})
}

// writeGeneration builds an id-ordered generation from src, stores it and
// waits until the file service has registered it. Nothing is left behind on
// failure. An empty src yields sstable.ErrEmpty.
func (m *Manager) writeGeneration(ctx context.Context, src walker.Walker) (*sstable.Layer, error) {
	data, st, err := sstable.Build(src, sstable.WriterOptions{
		Comparator: layer.Bytewise,
		BlockSize:  m.opts.DataBlockSize,
	})
	if err != nil {
		return nil, err
	}

	vol := m.deps.Volume
	p, err := sstable.Store(vol, data)
	if err != nil {
		return nil, err
	}
	if err := vol.Sync(); err != nil {
		return nil, m.discard(p, err)
	}
	rd, err := sstable.Open(vol, p, layer.Bytewise)
	if err != nil {
		return nil, m.discard(p, err)
	}

	gen := m.nextGen.Add(1)
	obj := fileservice.FileObj{
		Kind:                fileservice.DurableFile,
		GenID:               gen,
		StartingBlockID:     p.StartBlock,
		StartingBlockOffset: p.StartOffset,
		FileSize:            p.Size,
		NumKeys:             st.NumKeys,
		LowestSeq:           st.LowestSeq,
		HighestSeq:          st.HighestSeq,
	}
	trig := trigger.New()
	if err := m.deps.Files.InsertFile(FileID, obj, trig); err != nil {
		return nil, m.discard(p, err)
	}
	if err := trig.Wait(ctx); err != nil {
		if rerr := m.deps.Files.RemoveFile(FileID, gen, nil); rerr != nil && !errors.Is(rerr, fileservice.ErrFileNotFound) {
			m.logger.Error("durable generation %d: unregistering after failed insert: %v", gen, rerr)
			return nil, err
		}
		return nil, m.discard(p, err)
	}

	m.stats.TrackBytes(true, uint64(p.Size))
	return sstable.NewLayer(gen, rd, m.destroyGeneration(gen, p)), nil
}

func (m *Manager) discard(p sstable.Placement, cause error) error {
	if err := sstable.Free(m.deps.Volume, p); err != nil {
		m.logger.Error("freeing unregistered durable blocks: %v", err)
	}
	return cause
}

func (m *Manager) destroyGeneration(gen uint64, p sstable.Placement) func() {
	return func() {
		if err := m.deps.Files.RemoveFile(FileID, gen, nil); err != nil {
			m.logger.Error("durable generation %d: removing from catalog: %v; keeping its blocks", gen, err)
			return
		}
		if err := sstable.Free(m.deps.Volume, p); err != nil {
			m.logger.Fatal("durable generation %d: freeing blocks: %v", gen, err)
			return
		}
		m.logger.Debug("removed durable generation %d", gen)
	}
}
