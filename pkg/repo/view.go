package repo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/common/walker/merge"
	"github.com/KevoDB/indy/pkg/fiber"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/stats"
)

// ReadOptions narrow a present walk
type ReadOptions struct {
	// Ceiling hides entries with a higher sequence number. Zero means the
	// view's own ceiling.
	Ceiling uint64

	// IgnoreTombstones skips deleted keys instead of reporting tombstones
	IgnoreTombstones bool
}

// View is a consistent snapshot of a repo. Walks through a view see exactly
// the writes whose sequence numbers fall in [Lowest, Highest].
type View struct {
	repo    *Repo
	m       *mapping
	lowest  uint64
	highest uint64
	closed  atomic.Bool
}

// NewView snapshots the repo
func (r *Repo) NewView() (*View, error) {
	r.mu.RLock()
	if r.current == nil {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	m := r.current
	r.acquireMapping(m)
	highest := r.clock.Current()
	r.mu.RUnlock()

	v := &View{repo: r, m: m, highest: highest}
	for _, l := range m.layers {
		if l.GetSize() == 0 {
			continue
		}
		if lo := l.GetLowestSeq(); v.lowest == 0 || lo < v.lowest {
			v.lowest = lo
		}
	}
	r.openViews.Add(1)
	return v, nil
}

// Lowest returns the smallest sequence number the view can see
func (v *View) Lowest() uint64 { return v.lowest }

// Highest returns the largest sequence number the view can see
func (v *View) Highest() uint64 { return v.highest }

// NumLayers returns how many layers the view covers
func (v *View) NumLayers() int { return len(v.m.layers) }

// Close releases the snapshot. Walkers created from the view stay usable
// until they are closed themselves.
func (v *View) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	v.repo.releaseMapping(v.m)
	v.repo.openViews.Add(-1)
	return nil
}

func (v *View) ceiling(requested uint64) uint64 {
	if requested != 0 && requested < v.highest {
		return requested
	}
	return v.highest
}

// visible returns the layers that may hold entries at or below ceiling
func (v *View) visible(ceiling uint64) []layer.DataLayer {
	layers := make([]layer.DataLayer, 0, len(v.m.layers))
	for _, l := range v.m.layers {
		if l.GetSize() == 0 || l.GetLowestSeq() > ceiling {
			continue
		}
		layers = append(layers, l)
	}
	return layers
}

// NewPresentWalker walks the newest visible entry for key
func (r *Repo) NewPresentWalker(v *View, key []byte, opts ReadOptions) walker.PresentWalker {
	return r.presentWalk(v, opts, func(l layer.DataLayer) walker.Walker {
		return l.NewPresentWalker(key)
	})
}

// NewRangePresentWalker walks the newest visible entry of every key in
// [from, to). A nil bound is unbounded.
func (r *Repo) NewRangePresentWalker(v *View, from, to []byte, opts ReadOptions) walker.PresentWalker {
	return r.presentWalk(v, opts, func(l layer.DataLayer) walker.Walker {
		return l.NewRangePresentWalker(from, to)
	})
}

func (r *Repo) presentWalk(v *View, opts ReadOptions, open func(layer.DataLayer) walker.Walker) walker.PresentWalker {
	if v.closed.Load() {
		return walker.Failed(ErrViewClosed)
	}
	ceiling := v.ceiling(opts.Ceiling)
	if ceiling == 0 {
		return walker.Empty()
	}

	layers := v.visible(ceiling)
	subs := r.openSubWalkers(layers, open)
	r.stats.TrackOperation(stats.OpWalk)
	r.metrics.RecordWalk(context.Background(), "present", len(layers))
	return merge.NewPresentWalker(subs, merge.Options{
		Comparator:       r.cmp,
		Upper:            ceiling,
		IgnoreTombstones: opts.IgnoreTombstones,
	})
}

// NewUpdateWalker walks every visible write with fromSeq <= seq <= toSeq in
// sequence order. A toSeq of zero means the view's ceiling.
func (r *Repo) NewUpdateWalker(v *View, fromSeq, toSeq uint64) walker.UpdateWalker {
	if v.closed.Load() {
		return walker.Failed(ErrViewClosed)
	}
	upper := v.ceiling(toSeq)
	if upper == 0 || fromSeq > upper {
		return walker.Empty()
	}

	var layers []layer.DataLayer
	for _, l := range v.visible(upper) {
		if l.GetHighestSeq() >= fromSeq {
			layers = append(layers, l)
		}
	}
	subs := r.openSubWalkers(layers, func(l layer.DataLayer) walker.Walker {
		return l.NewUpdateWalker(fromSeq)
	})
	r.stats.TrackOperation(stats.OpUpdateWalk)
	r.metrics.RecordWalk(context.Background(), "update", len(layers))
	return merge.NewUpdateWalker(subs, r.cmp, upper)
}

// openSubWalkers opens one walker per layer. Disk walkers read blocks as
// they open, so with a runner pool they are opened in parallel on fibers.
func (r *Repo) openSubWalkers(layers []layer.DataLayer, open func(layer.DataLayer) walker.Walker) []walker.Walker {
	subs := make([]walker.Walker, len(layers))
	pool := r.deps.Runners

	disk := 0
	for _, l := range layers {
		if l.Kind() == layer.KindDisk {
			disk++
		}
	}
	if pool == nil || disk < 2 {
		for i, l := range layers {
			subs[i] = open(l)
		}
		return subs
	}

	s := fiber.NewSync(0)
	for i, l := range layers {
		if l.Kind() != layer.KindDisk {
			subs[i] = open(l)
			continue
		}
		s.WaitForMore(1)
		err := pool.Schedule(func(*fiber.Frame) {
			subs[i] = open(l)
			s.Complete()
		})
		if err != nil {
			subs[i] = open(l)
			s.Complete()
		}
	}
	s.Sync(nil)
	return subs
}

// Get returns the newest value of key at or below ceiling (zero for the
// latest). Deleted and missing keys report false.
func (r *Repo) Get(ctx context.Context, key []byte, ceiling uint64) ([]byte, bool, error) {
	start := time.Now()
	v, err := r.NewView()
	if err != nil {
		return nil, false, err
	}
	defer v.Close()

	w := r.NewPresentWalker(v, key, ReadOptions{Ceiling: ceiling, IgnoreTombstones: true})
	defer w.Close()

	var value []byte
	found := w.Valid()
	if found {
		value = append([]byte{}, w.Item().Op.Value...)
	}
	if err := w.Err(); err != nil {
		return nil, false, err
	}
	r.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	if found {
		r.stats.TrackBytes(false, uint64(len(value)))
	}
	return value, found, nil
}
