package merge

import (
	"container/heap"
	"math"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

type updateHeap struct {
	cmp     layer.Comparator
	sources []*source
}

func (h *updateHeap) Len() int { return len(h.sources) }

func (h *updateHeap) Less(i, j int) bool {
	a, b := h.sources[i], h.sources[j]
	if a.item.Seq != b.item.Seq {
		return a.item.Seq < b.item.Seq
	}
	return layer.CompareHinted(h.cmp, a.item.Key, a.hint, b.item.Key, b.hint) < 0
}

func (h *updateHeap) Swap(i, j int) { h.sources[i], h.sources[j] = h.sources[j], h.sources[i] }

func (h *updateHeap) Push(x any) { h.sources = append(h.sources, x.(*source)) }

func (h *updateHeap) Pop() any {
	n := len(h.sources)
	s := h.sources[n-1]
	h.sources = h.sources[:n-1]
	return s
}

// UpdateWalker merges per-layer update walkers by sequence number, then key.
// Entries above the ceiling are not reported.
type UpdateWalker struct {
	cmp     layer.Comparator
	upper   uint64
	subs    []walker.Walker
	heap    updateHeap
	current walker.Item
	valid   bool
	err     error
	closed  bool
}

// NewUpdateWalker merges subs, each ordered by ascending sequence number.
// An upper of zero means no ceiling. The merged walker owns subs.
func NewUpdateWalker(subs []walker.Walker, cmp layer.Comparator, upper uint64) *UpdateWalker {
	if cmp == nil {
		cmp = layer.Bytewise
	}
	if upper == 0 {
		upper = math.MaxUint64
	}
	u := &UpdateWalker{
		cmp:   cmp,
		upper: upper,
		subs:  subs,
		heap:  updateHeap{cmp: cmp, sources: make([]*source, 0, len(subs))},
	}
	for _, w := range subs {
		if err := w.Err(); err != nil {
			u.err = err
			return u
		}
		s := &source{w: w}
		if s.load(cmp) {
			u.heap.sources = append(u.heap.sources, s)
		}
	}
	heap.Init(&u.heap)
	u.advance()
	return u
}

func (u *UpdateWalker) advance() {
	u.valid = false
	if u.heap.Len() == 0 {
		return
	}
	top := u.heap.sources[0]
	item := top.item
	if item.Seq > u.upper {
		// Every remaining entry is at least as new.
		return
	}

	top.w.Next()
	if err := top.w.Err(); err != nil {
		u.err = err
		return
	}
	if top.load(u.cmp) {
		heap.Fix(&u.heap, 0)
	} else {
		heap.Pop(&u.heap)
	}
	u.current = item
	u.valid = true
}

// Valid reports whether the walker is positioned on an item
func (u *UpdateWalker) Valid() bool {
	return u.valid && !u.closed
}

// Item returns the current item
func (u *UpdateWalker) Item() walker.Item {
	return u.current
}

// Next advances to the next update
func (u *UpdateWalker) Next() {
	if !u.Valid() {
		return
	}
	u.advance()
}

// Err returns the first sub-walker failure
func (u *UpdateWalker) Err() error {
	return u.err
}

// Close closes every sub-walker
func (u *UpdateWalker) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.valid = false
	return closeAll(u.subs)
}
