package memtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/KevoDB/indy/pkg/pool"
)

var errNotReserved = errors.New("memory layer arena: no reserved block")

// Allocator hands out the fixed-size blocks that back key and value bytes.
// Both pool.Pool and pool.LocklessPool satisfy it.
type Allocator interface {
	Alloc(size int) (pool.Block, error)
	Free(b pool.Block) error
	GetBlockSize() int
}

// Reservation holds pool blocks taken ahead of a write so that the wait for
// them happens outside any lock. The blocks are handed to a layer with Fill
// or returned with Cancel.
type Reservation struct {
	alloc  Allocator
	blocks []pool.Block
}

func reserve(alloc Allocator, n int) (*Reservation, error) {
	res := &Reservation{alloc: alloc}
	for i := 0; i < n; i++ {
		b, err := alloc.Alloc(alloc.GetBlockSize())
		if err != nil {
			res.Cancel()
			return nil, fmt.Errorf("memory layer arena: %w", err)
		}
		res.blocks = append(res.blocks, b)
	}
	return res, nil
}

// Len returns the number of blocks held
func (r *Reservation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.blocks)
}

// Cancel returns the blocks to the pool
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	for _, b := range r.blocks {
		r.alloc.Free(b)
	}
	r.blocks = nil
}

// byteArena copies key and value bytes into pool blocks, bump-allocating
// inside the current block. Payloads larger than a block go to the heap.
// copy only consumes blocks handed over by fill and never waits on the pool.
type byteArena struct {
	mu       sync.Mutex
	alloc    Allocator
	blocks   []pool.Block
	spare    []pool.Block
	cur      []byte
	off      int
	released bool
}

func newByteArena(alloc Allocator) *byteArena {
	return &byteArena{alloc: alloc}
}

// pooled reports whether data is copied into a pool block
func (a *byteArena) pooled(data []byte) bool {
	return data != nil && a.alloc != nil && len(data) <= a.alloc.GetBlockSize()
}

// shortfall returns how many more blocks copying every payload in order
// would take beyond the current block and the spares
func (a *byteArena) shortfall(payloads [][]byte) int {
	if a.alloc == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.alloc.GetBlockSize()
	spare := len(a.spare)
	room := 0
	if a.cur != nil {
		room = len(a.cur) - a.off
	}
	fresh := a.cur == nil

	need := 0
	for _, data := range payloads {
		if !a.pooled(data) {
			continue
		}
		if fresh || len(data) > room {
			if spare > 0 {
				spare--
			} else {
				need++
			}
			room = size
			fresh = false
		}
		room -= len(data)
	}
	return need
}

// fill takes over the blocks of res. A released arena or a reservation
// from another allocator gives them straight back to the pool.
func (a *byteArena) fill(res *Reservation) {
	if res.Len() == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released || res.alloc != a.alloc {
		res.Cancel()
		return
	}
	a.spare = append(a.spare, res.blocks...)
	res.blocks = nil
}

// copy returns a copy of data owned by the arena
func (a *byteArena) copy(data []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	if !a.pooled(data) {
		return append(make([]byte, 0, len(data)), data...), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur == nil || a.off+len(data) > len(a.cur) {
		if len(a.spare) == 0 {
			return nil, errNotReserved
		}
		b := a.spare[len(a.spare)-1]
		a.spare = a.spare[:len(a.spare)-1]
		a.blocks = append(a.blocks, b)
		a.cur = b.Data[:a.alloc.GetBlockSize()]
		a.off = 0
	}
	out := a.cur[a.off : a.off+len(data) : a.off+len(data)]
	copy(out, data)
	a.off += len(data)
	return out, nil
}

// numBlocks returns how many pool blocks the arena holds
func (a *byteArena) numBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks) + len(a.spare)
}

// release returns every block to the pool
func (a *byteArena) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first error
	for _, b := range append(a.blocks, a.spare...) {
		if err := a.alloc.Free(b); err != nil && first == nil {
			first = err
		}
	}
	a.blocks = nil
	a.spare = nil
	a.cur = nil
	a.off = 0
	a.released = true
	return first
}
