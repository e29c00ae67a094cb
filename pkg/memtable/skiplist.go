package memtable

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

const (
	// MaxHeight is the maximum height of the skip list
	MaxHeight = 12

	// BranchingFactor determines the probability of increasing the height
	BranchingFactor = 4
)

// entry is one (key, seq, op) triple stored in a memory layer
type entry struct {
	key  []byte
	hint uint64
	op   walker.Op
	seq  uint64
}

// size returns the approximate size of the entry in memory
func (e *entry) size() int {
	return len(e.key) + len(e.op.Value) + 24
}

func (e *entry) item() walker.Item {
	return walker.Item{Seq: e.seq, Key: e.key, Op: e.op}
}

// node represents a node in the skip list
type node struct {
	entry  *entry
	height int32
	// next contains pointers to the next nodes at each level
	next [MaxHeight]unsafe.Pointer
}

func newNode(e *entry, height int) *node {
	return &node{
		entry:  e,
		height: int32(height),
	}
}

// getNext returns the next node at the given level
func (n *node) getNext(level int) *node {
	return (*node)(atomic.LoadPointer(&n.next[level]))
}

// setNext sets the next node at the given level
func (n *node) setNext(level int, next *node) {
	atomic.StorePointer(&n.next[level], unsafe.Pointer(next))
}

// SkipList orders entries by key ascending and, for equal keys, by sequence
// number descending, so the newest entry for a key is met first. Inserts
// must be serialized by the caller; readers may traverse concurrently.
type SkipList struct {
	cmp       layer.Comparator
	head      *node
	maxHeight int32
	rnd       *rand.Rand
	rndMtx    sync.Mutex
	size      int64
	count     int64
}

// NewSkipList creates a new skip list ordered by cmp
func NewSkipList(cmp layer.Comparator) *SkipList {
	if cmp == nil {
		cmp = layer.Bytewise
	}
	return &SkipList{
		cmp:       cmp,
		head:      newNode(nil, MaxHeight),
		maxHeight: 1,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// randomHeight generates a random height for a new node
func (s *SkipList) randomHeight() int {
	s.rndMtx.Lock()
	defer s.rndMtx.Unlock()

	height := 1
	for height < MaxHeight && s.rnd.Intn(BranchingFactor) == 0 {
		height++
	}
	return height
}

func (s *SkipList) getCurrentHeight() int {
	return int(atomic.LoadInt32(&s.maxHeight))
}

// compareKey orders an entry against a key, ignoring sequence numbers
func (s *SkipList) compareKey(e *entry, key []byte, hint uint64) int {
	return layer.CompareHinted(s.cmp, e.key, e.hint, key, hint)
}

// compareEntry orders entries by key ascending, then sequence descending
func (s *SkipList) compareEntry(a, b *entry) int {
	if c := s.compareKey(a, b.key, b.hint); c != 0 {
		return c
	}
	switch {
	case a.seq > b.seq:
		return -1
	case a.seq < b.seq:
		return 1
	}
	return 0
}

// Insert adds e to the list. An entry with the same key and sequence
// number already present is rejected with layer.ErrDuplicateSequence.
func (s *SkipList) Insert(e *entry) error {
	e.hint = s.cmp.OrderHint(e.key)

	var prev [MaxHeight]*node
	current := s.head
	for level := MaxHeight - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if s.compareEntry(next.entry, e) >= 0 {
				break
			}
			current = next
		}
		prev[level] = current
	}
	if next := prev[0].getNext(0); next != nil && s.compareEntry(next.entry, e) == 0 {
		return layer.ErrDuplicateSequence
	}

	height := s.randomHeight()
	if currHeight := s.getCurrentHeight(); height > currHeight {
		atomic.CompareAndSwapInt32(&s.maxHeight, int32(currHeight), int32(height))
	}

	// Link bottom-up so a concurrent reader never sees a node that is
	// reachable from above but missing below.
	n := newNode(e, height)
	for level := 0; level < height; level++ {
		n.setNext(level, prev[level].getNext(level))
		prev[level].setNext(level, n)
	}

	atomic.AddInt64(&s.size, int64(e.size()))
	atomic.AddInt64(&s.count, 1)
	return nil
}

// seek returns the first node whose key is >= key, or nil
func (s *SkipList) seek(key []byte) *node {
	hint := s.cmp.OrderHint(key)
	current := s.head
	for level := s.getCurrentHeight() - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if s.compareKey(next.entry, key, hint) >= 0 {
				break
			}
			current = next
		}
	}
	return current.getNext(0)
}

// Find returns the newest entry for key with seq <= ceiling, or nil
func (s *SkipList) Find(key []byte, ceiling uint64) *entry {
	hint := s.cmp.OrderHint(key)
	for n := s.seek(key); n != nil; n = n.getNext(0) {
		if s.compareKey(n.entry, key, hint) != 0 {
			return nil
		}
		if n.entry.seq <= ceiling {
			return n.entry
		}
	}
	return nil
}

// ApproximateSize returns the approximate size of the skip list in bytes
func (s *SkipList) ApproximateSize() int64 {
	return atomic.LoadInt64(&s.size)
}

// Len returns the number of entries
func (s *SkipList) Len() int {
	return int(atomic.LoadInt64(&s.count))
}

// Iterator provides sequential access to the skip list entries
type Iterator struct {
	list    *SkipList
	current *node
}

// NewIterator creates an iterator positioned before the first entry
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	return it.current != nil
}

// Next advances the iterator to the next entry
func (it *Iterator) Next() {
	if it.current != nil {
		it.current = it.current.getNext(0)
	}
}

// SeekToFirst positions the iterator at the first entry
func (it *Iterator) SeekToFirst() {
	it.current = it.list.head.getNext(0)
}

// Seek positions the iterator at the newest entry of the first key >= target
func (it *Iterator) Seek(key []byte) {
	it.current = it.list.seek(key)
}

// Entry returns the current entry
func (it *Iterator) Entry() *entry {
	if it.current == nil {
		return nil
	}
	return it.current.entry
}
