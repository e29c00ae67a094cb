// Package memtable implements the memory Data Layer: a skip list over
// pool-backed key and value bytes plus a sequence-ordered update log.
package memtable

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

// Option configures a memory layer
type Option func(*Layer)

// WithComparator sets the key order
func WithComparator(cmp layer.Comparator) Option {
	return func(l *Layer) { l.cmp = cmp }
}

// WithAllocator backs key and value bytes with pool blocks
func WithAllocator(alloc Allocator) Option {
	return func(l *Layer) { l.alloc = alloc }
}

// WithLogger sets the logger used to report release failures
func WithLogger(logger log.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// WithOnDestroy registers a function that runs after the layer is destroyed
func WithOnDestroy(fn func()) Option {
	return func(l *Layer) { l.onDestroy = fn }
}

// Layer is an in-memory Data Layer. It accepts writes until sealed.
type Layer struct {
	layer.RefCount

	genID     uint64
	cmp       layer.Comparator
	alloc     Allocator
	arena     *byteArena
	list      *SkipList
	logger    log.Logger
	onDestroy func()

	// mu serializes writers and guards the update log
	mu      sync.RWMutex
	updates []*entry

	sealed  atomic.Bool
	lowest  atomic.Uint64
	highest atomic.Uint64
	created time.Time
}

var _ layer.DataLayer = (*Layer)(nil)

// New creates an empty, unsealed memory layer
func New(genID uint64, opts ...Option) *Layer {
	l := &Layer{genID: genID, created: time.Now()}
	for _, opt := range opts {
		opt(l)
	}
	if l.cmp == nil {
		l.cmp = layer.Bytewise
	}
	if l.logger == nil {
		l.logger = log.ForComponent(nil, "memtable")
	}
	l.arena = newByteArena(l.alloc)
	l.list = NewSkipList(l.cmp)
	l.RefCount.Init(l.destroy)
	return l
}

func (l *Layer) destroy() {
	if l.alloc != nil {
		if err := l.arena.release(); err != nil {
			l.logger.Fatal("memory layer %d: releasing arena: %v", l.genID, err)
		}
	}
	if l.onDestroy != nil {
		l.onDestroy()
	}
}

// Put records key=value at seq
func (l *Layer) Put(key, value []byte, seq uint64) error {
	return l.Apply(walker.Item{Seq: seq, Key: key, Op: walker.Put(value)})
}

// Delete records a tombstone for key at seq
func (l *Layer) Delete(key []byte, seq uint64) error {
	return l.Apply(walker.Item{Seq: seq, Key: key, Op: walker.Delete()})
}

func payloads(items []walker.Item) [][]byte {
	out := make([][]byte, 0, 2*len(items))
	for _, it := range items {
		out = append(out, it.Key)
		if !it.Op.IsTombstone() {
			out = append(out, it.Op.Value)
		}
	}
	return out
}

// Shortfall returns how many pool blocks applying items in order would take
// beyond those the layer already holds.
func (l *Layer) Shortfall(items ...walker.Item) int {
	return l.arena.shortfall(payloads(items))
}

// Reserve takes n blocks from the layer's allocator, waiting while the pool
// is exhausted. The blocks are not attached to l; any layer sharing the
// allocator can take them with Fill. Callers must not hold a lock that a
// flush needs.
func (l *Layer) Reserve(n int) (*Reservation, error) {
	if l.alloc == nil || n <= 0 {
		return nil, nil
	}
	return reserve(l.alloc, n)
}

// Fill hands the blocks of res to the layer for later writes
func (l *Layer) Fill(res *Reservation) {
	l.arena.fill(res)
}

// Apply records one item. The key and value are copied into the layer.
// Missing pool blocks are reserved before the layer lock is taken.
func (l *Layer) Apply(item walker.Item) error {
	for {
		if l.sealed.Load() {
			return layer.ErrSealed
		}
		l.mu.Lock()
		n := l.Shortfall(item)
		if n == 0 {
			break
		}
		l.mu.Unlock()

		res, err := l.Reserve(n)
		if err != nil {
			return err
		}
		l.Fill(res)
	}
	defer l.mu.Unlock()

	if l.sealed.Load() {
		return layer.ErrSealed
	}
	if e := l.list.Find(item.Key, item.Seq); e != nil && e.seq == item.Seq {
		return layer.ErrDuplicateSequence
	}

	key, err := l.arena.copy(item.Key)
	if err != nil {
		return err
	}
	var value []byte
	if !item.Op.IsTombstone() {
		if value, err = l.arena.copy(item.Op.Value); err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
	}

	e := &entry{key: key, op: walker.Op{Kind: item.Op.Kind, Value: value}, seq: item.Seq}
	if err := l.list.Insert(e); err != nil {
		return err
	}
	l.appendUpdate(e)

	if lo := l.lowest.Load(); lo == 0 || item.Seq < lo {
		l.lowest.Store(item.Seq)
	}
	if item.Seq > l.highest.Load() {
		l.highest.Store(item.Seq)
	}
	return nil
}

func (l *Layer) updateLess(a, b *entry) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return layer.CompareHinted(l.cmp, a.key, a.hint, b.key, b.hint) < 0
}

// appendUpdate keeps the update log ordered by (seq, key). Appends in
// order are the common case; an out-of-order entry copies the log so that
// snapshots taken by open update walkers stay untouched.
func (l *Layer) appendUpdate(e *entry) {
	n := len(l.updates)
	if n == 0 || !l.updateLess(e, l.updates[n-1]) {
		l.updates = append(l.updates, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return l.updateLess(e, l.updates[i]) })
	updates := make([]*entry, 0, n+1)
	updates = append(updates, l.updates[:i]...)
	updates = append(updates, e)
	updates = append(updates, l.updates[i:]...)
	l.updates = updates
}

// Seal makes the layer immutable
func (l *Layer) Seal() {
	l.mu.Lock()
	l.sealed.Store(true)
	l.mu.Unlock()
}

// IsSealed reports whether the layer still accepts writes
func (l *Layer) IsSealed() bool {
	return l.sealed.Load()
}

// IsFull reports whether the layer has reached the flush threshold in bytes
func (l *Layer) IsFull(threshold int64) bool {
	return threshold > 0 && l.list.ApproximateSize() >= threshold
}

// ApproximateSize returns the approximate number of bytes stored
func (l *Layer) ApproximateSize() int64 {
	return l.list.ApproximateSize()
}

// NumBlocks returns how many pool blocks back the layer
func (l *Layer) NumBlocks() int {
	return l.arena.numBlocks()
}

// Age returns how long ago the layer was created
func (l *Layer) Age() time.Duration {
	return time.Since(l.created)
}

// Get returns the newest entry for key with seq <= ceiling. The returned
// item is copied.
func (l *Layer) Get(key []byte, ceiling uint64) (walker.Item, bool) {
	e := l.list.Find(key, ceiling)
	if e == nil {
		return walker.Item{}, false
	}
	return walker.Clone(e.item()), true
}

// Kind reports KindMemory
func (l *Layer) Kind() layer.Kind { return layer.KindMemory }

// GenID identifies the layer within its repo
func (l *Layer) GenID() uint64 { return l.genID }

// GetSize returns the number of entries
func (l *Layer) GetSize() int { return l.list.Len() }

// GetLowestSeq returns the smallest sequence number written
func (l *Layer) GetLowestSeq() uint64 { return l.lowest.Load() }

// GetHighestSeq returns the largest sequence number written
func (l *Layer) GetHighestSeq() uint64 { return l.highest.Load() }

// NewPresentWalker walks every entry for key, newest first
func (l *Layer) NewPresentWalker(key []byte) walker.PresentWalker {
	l.Acquire()
	w := &presentWalker{l: l, exact: true, from: key, hint: l.cmp.OrderHint(key)}
	w.it = l.list.NewIterator()
	w.it.Seek(key)
	w.check()
	return w
}

// NewRangePresentWalker walks entries with from <= key < to
func (l *Layer) NewRangePresentWalker(from, to []byte) walker.PresentWalker {
	l.Acquire()
	w := &presentWalker{l: l, from: from, to: to}
	w.it = l.list.NewIterator()
	if from != nil {
		w.it.Seek(from)
	} else {
		w.it.SeekToFirst()
	}
	w.check()
	return w
}

// NewUpdateWalker walks entries with seq >= fromSeq in (seq, key) order
func (l *Layer) NewUpdateWalker(fromSeq uint64) walker.UpdateWalker {
	l.Acquire()
	l.mu.RLock()
	updates := l.updates
	l.mu.RUnlock()

	start := sort.Search(len(updates), func(i int) bool { return updates[i].seq >= fromSeq })
	return &updateWalker{l: l, updates: updates[start:]}
}

type presentWalker struct {
	l      *Layer
	it     *Iterator
	exact  bool
	from   []byte
	to     []byte
	hint   uint64
	closed bool
}

func (w *presentWalker) check() {
	if !w.it.Valid() {
		return
	}
	e := w.it.Entry()
	if w.exact {
		if w.l.list.compareKey(e, w.from, w.hint) != 0 {
			w.it.current = nil
		}
		return
	}
	if w.to != nil && w.l.cmp.Compare(e.key, w.to) >= 0 {
		w.it.current = nil
	}
}

func (w *presentWalker) Valid() bool {
	return !w.closed && w.it.Valid()
}

func (w *presentWalker) Item() walker.Item {
	return w.it.Entry().item()
}

func (w *presentWalker) Next() {
	if !w.Valid() {
		return
	}
	w.it.Next()
	w.check()
}

func (w *presentWalker) Err() error { return nil }

func (w *presentWalker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.l.Release()
	return nil
}

type updateWalker struct {
	l       *Layer
	updates []*entry
	pos     int
	closed  bool
}

func (w *updateWalker) Valid() bool {
	return !w.closed && w.pos < len(w.updates)
}

func (w *updateWalker) Item() walker.Item {
	return w.updates[w.pos].item()
}

func (w *updateWalker) Next() {
	if w.Valid() {
		w.pos++
	}
}

func (w *updateWalker) Err() error { return nil }

func (w *updateWalker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.l.Release()
	return nil
}
