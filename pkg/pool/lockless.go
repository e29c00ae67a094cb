package pool

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// LocklessPool is a Pool without synchronization. It must be owned by a
// single goroutine, or used only while the owner's lock is held. Alloc never
// waits.
type LocklessPool struct {
	arena       arena
	blockSize   int
	initialized bool
	opts        options
}

// NewLockless creates a lockless pool of blockSize-byte blocks.
func NewLockless(blockSize int, opts ...Option) (*LocklessPool, error) {
	o, err := buildOptions(blockSize, opts)
	if err != nil {
		return nil, err
	}
	return &LocklessPool{blockSize: blockSize, opts: o}, nil
}

// Init maps an arena of blockCount blocks. It can only be called once.
func (p *LocklessPool) Init(blockCount int) error {
	if p.initialized {
		return ErrAlreadyInitialized
	}
	if blockCount <= 0 {
		return fmt.Errorf("block count must be positive, got %d", blockCount)
	}
	if err := p.arena.init(p.blockSize, blockCount, p.opts.pin, p.opts.requirePin, p.opts.debug); err != nil {
		return err
	}
	p.initialized = true
	p.opts.logger.Debug("allocated %s for %d lockless blocks",
		humanize.IBytes(uint64(p.blockSize)*uint64(blockCount)), blockCount)
	return nil
}

// Alloc takes a free block or fails with ErrExhausted.
func (p *LocklessPool) Alloc(size int) (Block, error) {
	if size > p.blockSize || size < 0 {
		return Block{}, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, p.blockSize)
	}
	if !p.initialized {
		return Block{}, ErrNotInitialized
	}
	b, ok := p.arena.alloc(size)
	if !ok {
		return Block{}, ErrExhausted
	}
	return b, nil
}

// Free returns b to the pool.
func (p *LocklessPool) Free(b Block) error {
	if !p.initialized {
		return ErrNotInitialized
	}
	return p.arena.free(b)
}

// GetNumBlocksUsed returns the number of blocks currently allocated.
func (p *LocklessPool) GetNumBlocksUsed() int { return p.arena.used }

// GetMaxBlocks returns the capacity fixed at Init.
func (p *LocklessPool) GetMaxBlocks() int { return p.arena.numBlocks }

// GetBlockSize returns the size of every block.
func (p *LocklessPool) GetBlockSize() int { return p.blockSize }

// Close unmaps the arena. When blocks are still allocated it logs a leak and
// leaves the mapping in place.
func (p *LocklessPool) Close() error {
	if !p.initialized {
		return nil
	}
	p.initialized = false
	if p.arena.used > 0 {
		p.opts.logger.Warn("leak: %d of %d lockless blocks still in use at close", p.arena.used, p.arena.numBlocks)
	}
	return p.arena.release()
}
