// Package merge combines walkers over many layers into one snapshot-consistent
// walk.
package merge

import (
	"container/heap"
	"math"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

// Options controls a merged present walk
type Options struct {
	// Comparator orders keys; layer.Bytewise when nil
	Comparator layer.Comparator

	// Lower and Upper bound the visible sequence numbers (inclusive).
	// An Upper of zero means no ceiling.
	Lower uint64
	Upper uint64

	// IgnoreTombstones suppresses keys whose newest visible entry is a
	// tombstone instead of reporting the tombstone.
	IgnoreTombstones bool

	// AllVersions reports every entry in the window instead of only the
	// newest per key. Compaction uses it to see shadowed history.
	AllVersions bool
}

func (o Options) withDefaults() Options {
	if o.Comparator == nil {
		o.Comparator = layer.Bytewise
	}
	if o.Upper == 0 {
		o.Upper = math.MaxUint64
	}
	return o
}

type source struct {
	w    walker.Walker
	item walker.Item
	hint uint64
}

func (s *source) load(cmp layer.Comparator) bool {
	if !s.w.Valid() {
		return false
	}
	s.item = s.w.Item()
	s.hint = cmp.OrderHint(s.item.Key)
	return true
}

// presentHeap orders sources by key ascending then sequence descending
type presentHeap struct {
	cmp     layer.Comparator
	sources []*source
}

func (h *presentHeap) Len() int { return len(h.sources) }

func (h *presentHeap) Less(i, j int) bool {
	a, b := h.sources[i], h.sources[j]
	if c := layer.CompareHinted(h.cmp, a.item.Key, a.hint, b.item.Key, b.hint); c != 0 {
		return c < 0
	}
	return a.item.Seq >= b.item.Seq
}

func (h *presentHeap) Swap(i, j int) { h.sources[i], h.sources[j] = h.sources[j], h.sources[i] }

func (h *presentHeap) Push(x any) { h.sources = append(h.sources, x.(*source)) }

func (h *presentHeap) Pop() any {
	n := len(h.sources)
	s := h.sources[n-1]
	h.sources = h.sources[:n-1]
	return s
}

// PresentWalker is a k-way merge over per-layer present walkers. Each key
// is reported at most once, carrying its newest entry inside the sequence
// window.
type PresentWalker struct {
	opts    Options
	subs    []walker.Walker
	heap    presentHeap
	current walker.Item
	lastKey []byte
	hasLast bool
	valid   bool
	err     error
	closed  bool
}

// NewPresentWalker merges subs, which must each be ordered by key ascending
// and sequence descending. The merged walker owns subs and closes them.
func NewPresentWalker(subs []walker.Walker, opts Options) *PresentWalker {
	opts = opts.withDefaults()
	p := &PresentWalker{
		opts: opts,
		subs: subs,
		heap: presentHeap{cmp: opts.Comparator, sources: make([]*source, 0, len(subs))},
	}
	for _, w := range subs {
		if err := w.Err(); err != nil {
			p.fail(err)
			return p
		}
		s := &source{w: w}
		if s.load(opts.Comparator) {
			p.heap.sources = append(p.heap.sources, s)
		}
	}
	heap.Init(&p.heap)
	p.advance()
	return p
}

func (p *PresentWalker) fail(err error) {
	p.err = err
	p.valid = false
}

// advance pops entries until it finds the newest visible entry of a key
// that has not been reported yet.
func (p *PresentWalker) advance() {
	p.valid = false
	for p.heap.Len() > 0 {
		top := p.heap.sources[0]
		item := top.item

		top.w.Next()
		if err := top.w.Err(); err != nil {
			p.fail(err)
			return
		}
		if top.load(p.opts.Comparator) {
			heap.Fix(&p.heap, 0)
		} else {
			heap.Pop(&p.heap)
		}

		if item.Seq < p.opts.Lower || item.Seq > p.opts.Upper {
			continue
		}
		if !p.opts.AllVersions && p.hasLast && p.opts.Comparator.Compare(item.Key, p.lastKey) == 0 {
			continue
		}
		p.lastKey = item.Key
		p.hasLast = true

		if item.Op.IsTombstone() && p.opts.IgnoreTombstones {
			continue
		}
		p.current = item
		p.valid = true
		return
	}
}

// Valid reports whether the walker is positioned on an item
func (p *PresentWalker) Valid() bool {
	return p.valid && !p.closed
}

// Item returns the current item
func (p *PresentWalker) Item() walker.Item {
	return p.current
}

// Next advances to the next key
func (p *PresentWalker) Next() {
	if !p.Valid() {
		return
	}
	p.advance()
}

// Err returns the first sub-walker failure
func (p *PresentWalker) Err() error {
	return p.err
}

// Close closes every sub-walker
func (p *PresentWalker) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.valid = false
	return closeAll(p.subs)
}

func closeAll(subs []walker.Walker) error {
	var first error
	for _, w := range subs {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
