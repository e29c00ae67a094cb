package pool

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const endOfList = -1

// Block is a fixed-size buffer carved from a pool arena. Data has the length
// requested at allocation and the capacity of a whole block. A Block is
// owned by whoever allocated it until it is passed back to Free.
type Block struct {
	Data  []byte
	owner *arena
	index int32
	gen   uint32
}

// Index returns the block number inside its arena.
func (b Block) Index() int { return int(b.index) }

// IsZero reports whether b is the zero Block returned alongside errors.
func (b Block) IsZero() bool { return b.owner == nil }

// arena is one contiguous mapping split into equally sized blocks. Free
// blocks form a singly linked list whose links live in the first four bytes
// of each free block. The arena is not synchronized.
type arena struct {
	blockSize int
	numBlocks int
	mem       []byte
	freeHead  int32
	live      []uint64 // bit set per allocated block
	gens      []uint32 // bumped on every free; stale handles carry an older value
	used      int
	pinned    bool
	debug     bool
}

func (a *arena) init(blockSize, numBlocks int, pin, requirePin, debug bool) error {
	size := blockSize * numBlocks
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("failed to map %d byte arena: %w", size, err)
	}
	if pin {
		if err := unix.Mlock(mem); err != nil {
			if requirePin {
				unix.Munmap(mem)
				return fmt.Errorf("%w: %v", ErrPinFailed, err)
			}
		} else {
			a.pinned = true
		}
	}

	a.blockSize = blockSize
	a.numBlocks = numBlocks
	a.mem = mem
	a.debug = debug
	a.live = make([]uint64, (numBlocks+63)/64)
	a.gens = make([]uint32, numBlocks)

	if debug {
		clear(mem)
	}
	for i := 0; i < numBlocks; i++ {
		next := int32(i + 1)
		if i == numBlocks-1 {
			next = endOfList
		}
		a.setLink(int32(i), next)
	}
	a.freeHead = 0
	return nil
}

func (a *arena) block(idx int32) []byte {
	off := int(idx) * a.blockSize
	return a.mem[off : off+a.blockSize : off+a.blockSize]
}

func (a *arena) setLink(idx, next int32) {
	binary.LittleEndian.PutUint32(a.block(idx), uint32(next))
}

func (a *arena) link(idx int32) int32 {
	return int32(binary.LittleEndian.Uint32(a.block(idx)))
}

func (a *arena) isLive(idx int32) bool {
	return a.live[idx/64]&(1<<(uint(idx)%64)) != 0
}

func (a *arena) setLive(idx int32, on bool) {
	if on {
		a.live[idx/64] |= 1 << (uint(idx) % 64)
	} else {
		a.live[idx/64] &^= 1 << (uint(idx) % 64)
	}
}

func (a *arena) alloc(size int) (Block, bool) {
	if a.freeHead == endOfList {
		return Block{}, false
	}
	idx := a.freeHead
	a.freeHead = a.link(idx)
	a.setLive(idx, true)
	a.used++

	buf := a.block(idx)
	binary.LittleEndian.PutUint32(buf, 0)
	return Block{Data: buf[:size], owner: a, index: idx, gen: a.gens[idx]}, true
}

func (a *arena) free(b Block) error {
	if b.owner != a || b.index < 0 || int(b.index) >= a.numBlocks {
		return ErrForeignBlock
	}
	if !a.isLive(b.index) || b.gen != a.gens[b.index] {
		return fmt.Errorf("%w: block %d", ErrDoubleFree, b.index)
	}
	if a.debug {
		clear(a.block(b.index))
	}
	a.setLive(b.index, false)
	a.gens[b.index]++
	a.setLink(b.index, a.freeHead)
	a.freeHead = b.index
	a.used--
	return nil
}

// release unmaps the arena. While blocks are still allocated the mapping is
// left in place so leaked holders keep valid memory; only allocation stops.
func (a *arena) release() error {
	if a.mem == nil {
		return nil
	}
	if a.used > 0 {
		a.freeHead = endOfList
		return nil
	}
	if a.pinned {
		unix.Munlock(a.mem)
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.freeHead = endOfList
	return err
}
