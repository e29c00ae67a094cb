package sstable

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

// updateBlockCache is how many decoded blocks an update walker keeps
const updateBlockCache = 8

// Layer is a disk Data Layer over a stored generation
type Layer struct {
	layer.RefCount

	genID     uint64
	r         *Reader
	onDestroy func()
}

var _ layer.DataLayer = (*Layer)(nil)

// NewLayer wraps an opened generation. onDestroy runs once the layer is
// marked for delete and its last reference is released; it is where the
// owner frees the generation's blocks.
func NewLayer(genID uint64, r *Reader, onDestroy func()) *Layer {
	l := &Layer{genID: genID, r: r, onDestroy: onDestroy}
	l.RefCount.Init(func() {
		if l.onDestroy != nil {
			l.onDestroy()
		}
	})
	return l
}

// Reader returns the underlying generation reader
func (l *Layer) Reader() *Reader { return l.r }

func (l *Layer) Kind() layer.Kind      { return layer.KindDisk }
func (l *Layer) GenID() uint64         { return l.genID }
func (l *Layer) GetSize() int          { return int(l.r.footer.NumEntries) }
func (l *Layer) GetLowestSeq() uint64  { return l.r.footer.LowestSeq }
func (l *Layer) GetHighestSeq() uint64 { return l.r.footer.HighestSeq }

// Get returns the newest entry for key with seq <= ceiling
func (l *Layer) Get(key []byte, ceiling uint64) (walker.Item, bool, error) {
	l.Acquire()
	defer l.Release()
	item, ok, err := l.r.Get(key, ceiling)
	if err != nil || !ok {
		return walker.Item{}, false, err
	}
	return walker.Clone(item), true, nil
}

// NewPresentWalker walks every version of key, newest first
func (l *Layer) NewPresentWalker(key []byte) walker.PresentWalker {
	l.Acquire()
	w := &blockWalker{l: l, exact: append([]byte(nil), key...)}
	for _, blk := range l.r.hash.candidates(key) {
		if int(blk) >= len(l.r.ranges) {
			w.fail(fmt.Errorf("%w: hash index names block %d of %d", ErrCorrupt, blk, len(l.r.ranges)))
			return w
		}
		items, err := w.seekBlock(int(blk), key)
		if err != nil {
			w.fail(err)
			return w
		}
		if len(items) > 0 && l.r.cmp.Compare(items[0].Key, key) == 0 {
			w.items = items
			w.next = int(blk) + 1
			return w
		}
	}
	w.next = len(l.r.ranges)
	return w
}

// NewRangePresentWalker walks entries with from <= key < to
func (l *Layer) NewRangePresentWalker(from, to []byte) walker.PresentWalker {
	l.Acquire()
	w := &blockWalker{l: l}
	if to != nil {
		w.to = append([]byte(nil), to...)
	}
	start := 0
	if from != nil {
		start = l.r.firstBlockFor(from)
	}
	if start < len(l.r.ranges) {
		var items []walker.Item
		var err error
		if from != nil {
			items, err = w.seekBlock(start, from)
		} else {
			items, err = w.readBlock(start)
		}
		if err != nil {
			w.fail(err)
			return w
		}
		w.items = items
	}
	w.next = start + 1
	w.fill()
	return w
}

// NewUpdateWalker walks entries with seq >= fromSeq in sequence order
func (l *Layer) NewUpdateWalker(fromSeq uint64) walker.UpdateWalker {
	l.Acquire()
	w := &updateWalker{l: l}
	seqs, err := l.r.seqIndex()
	if err != nil {
		w.err = err
		return w
	}
	cache, err := lru.New(updateBlockCache)
	if err != nil {
		w.err = err
		return w
	}
	w.seqs = seqs
	w.cache = cache
	w.pos = sort.Search(len(seqs), func(i int) bool { return seqs[i].seq >= fromSeq })
	w.load()
	return w
}

// blockWalker walks data blocks in key order, either over a key range or
// over the versions of one key
type blockWalker struct {
	l      *Layer
	exact  []byte
	to     []byte
	items  []walker.Item
	pos    int
	next   int
	err    error
	closed bool
}

func (w *blockWalker) readBlock(i int) ([]walker.Item, error) {
	br, err := w.l.r.loadBlock(i)
	if err != nil {
		return nil, err
	}
	items, err := br.Items()
	return items, wrapCorrupt(err)
}

func (w *blockWalker) seekBlock(i int, key []byte) ([]walker.Item, error) {
	br, err := w.l.r.loadBlock(i)
	if err != nil {
		return nil, err
	}
	items, err := br.Seek(key, w.l.r.cmp)
	return items, wrapCorrupt(err)
}

func (w *blockWalker) fail(err error) {
	w.err = err
	w.items = nil
	w.pos = 0
}

// fill loads following blocks until the walker is positioned or exhausted
func (w *blockWalker) fill() {
	ranges := w.l.r.ranges
	for w.err == nil && w.pos >= len(w.items) && w.next < len(ranges) {
		if w.exact != nil && w.l.r.cmp.Compare(ranges[w.next].first, w.exact) != 0 {
			w.next = len(ranges)
			return
		}
		items, err := w.readBlock(w.next)
		if err != nil {
			w.fail(err)
			return
		}
		w.items, w.pos = items, 0
		w.next++
	}
}

func (w *blockWalker) Valid() bool {
	if w.closed || w.err != nil || w.pos >= len(w.items) {
		return false
	}
	key := w.items[w.pos].Key
	if w.exact != nil {
		return w.l.r.cmp.Compare(key, w.exact) == 0
	}
	return w.to == nil || w.l.r.cmp.Compare(key, w.to) < 0
}

func (w *blockWalker) Item() walker.Item {
	return w.items[w.pos]
}

func (w *blockWalker) Next() {
	if !w.Valid() {
		return
	}
	w.pos++
	w.fill()
}

func (w *blockWalker) Err() error {
	return w.err
}

func (w *blockWalker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.items = nil
	w.l.Release()
	return nil
}

// updateWalker follows the sequence index, decoding the blocks it points
// into through a small per-walker cache
type updateWalker struct {
	l      *Layer
	seqs   []seqRecord
	pos    int
	cache  *lru.Cache
	cur    walker.Item
	valid  bool
	err    error
	closed bool
}

func (w *updateWalker) load() {
	w.valid = false
	if w.pos >= len(w.seqs) {
		return
	}
	rec := w.seqs[w.pos]
	if int(rec.block) >= len(w.l.r.ranges) {
		w.err = fmt.Errorf("%w: sequence index names block %d of %d", ErrCorrupt, rec.block, len(w.l.r.ranges))
		return
	}

	var items []walker.Item
	if cached, ok := w.cache.Get(rec.block); ok {
		items = cached.([]walker.Item)
	} else {
		br, err := w.l.r.loadBlock(int(rec.block))
		if err != nil {
			w.err = err
			return
		}
		if items, err = br.Items(); err != nil {
			w.err = wrapCorrupt(err)
			return
		}
		w.cache.Add(rec.block, items)
	}
	if int(rec.entry) >= len(items) || items[rec.entry].Seq != rec.seq {
		w.err = fmt.Errorf("%w: sequence index entry for seq %d does not match block %d", ErrCorrupt, rec.seq, rec.block)
		return
	}
	w.cur = items[rec.entry]
	w.valid = true
}

func (w *updateWalker) Valid() bool {
	return !w.closed && w.err == nil && w.valid
}

func (w *updateWalker) Item() walker.Item {
	return w.cur
}

func (w *updateWalker) Next() {
	if !w.Valid() {
		return
	}
	w.pos++
	w.load()
}

func (w *updateWalker) Err() error {
	return w.err
}

func (w *updateWalker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cache != nil {
		w.cache.Purge()
	}
	w.l.Release()
	return nil
}
