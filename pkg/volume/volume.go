// Package volume manages fixed-size logical blocks on a device: run
// allocation over a roaring bitmap, positioned reads and writes, and a block
// cache that only admits blocks the hit counter marks as hot.
package volume

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/hitcounter"
)

const (
	// DefaultBlockSize is the logical block size
	DefaultBlockSize = 64 * 1024

	// PageSize is the unit hits are weighted by
	PageSize = 4 * 1024
)

var (
	ErrNoSpace       = errors.New("no contiguous run of free blocks")
	ErrNotAllocated  = errors.New("block run is not allocated")
	ErrOutOfRange    = errors.New("address outside volume")
	ErrInvalidLength = errors.New("invalid run length")
)

type options struct {
	blockSize      int
	cacheBlocks    int
	cacheAdmitHits uint8
	logger         log.Logger
}

// Option configures a Volume
type Option func(*options)

// WithBlockSize sets the logical block size
func WithBlockSize(size int) Option {
	return func(o *options) { o.blockSize = size }
}

// WithCache enables a block cache of n blocks admitting blocks once their
// hit count reaches admitHits.
func WithCache(n int, admitHits int) Option {
	return func(o *options) {
		o.cacheBlocks = n
		if admitHits > hitcounter.MaxHits {
			admitHits = hitcounter.MaxHits
		}
		if admitHits < 0 {
			admitHits = 0
		}
		o.cacheAdmitHits = uint8(admitHits)
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Volume is a device carved into equally sized blocks
type Volume struct {
	dev       Device
	blockSize int
	numBlocks int
	opts      options

	mu   sync.Mutex
	used *roaring.Bitmap

	hits  *hitcounter.Counter
	cache *lru.Cache
}

// New creates a volume over dev
func New(dev Device, opts ...Option) (*Volume, error) {
	o := options{blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.ForComponent(nil, "volume")
	}
	if o.blockSize <= 0 || o.blockSize%PageSize != 0 {
		return nil, fmt.Errorf("block size %d must be a positive multiple of %d", o.blockSize, PageSize)
	}

	numBlocks := int(dev.Size() / int64(o.blockSize))
	if numBlocks == 0 {
		return nil, fmt.Errorf("device of %d bytes holds no %d byte block", dev.Size(), o.blockSize)
	}

	v := &Volume{
		dev:       dev,
		blockSize: o.blockSize,
		numBlocks: numBlocks,
		opts:      o,
		used:      roaring.New(),
		hits:      hitcounter.New(numBlocks),
	}
	if o.cacheBlocks > 0 {
		cache, err := lru.New(o.cacheBlocks)
		if err != nil {
			return nil, fmt.Errorf("failed to create block cache: %w", err)
		}
		v.cache = cache
	}

	o.logger.Info("volume of %s: %d blocks of %s, cache %d blocks",
		humanize.IBytes(uint64(dev.Size())), numBlocks, humanize.IBytes(uint64(o.blockSize)), o.cacheBlocks)
	return v, nil
}

// BlockSize returns the logical block size
func (v *Volume) BlockSize() int { return v.blockSize }

// NumBlocks returns the capacity of the volume in blocks
func (v *Volume) NumBlocks() int { return v.numBlocks }

// HitCounter exposes the per-block hit counts
func (v *Volume) HitCounter() *hitcounter.Counter { return v.hits }

// BlocksFor returns how many blocks hold size bytes
func (v *Volume) BlocksFor(size int64) int {
	return int((size + int64(v.blockSize) - 1) / int64(v.blockSize))
}

// NumUsed returns the number of allocated blocks
func (v *Volume) NumUsed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int(v.used.GetCardinality())
}

// usedIn counts allocated blocks in [start, start+n)
func (v *Volume) usedIn(start, n uint64) uint64 {
	total := v.used.Rank(uint32(start + n - 1))
	if start == 0 {
		return total
	}
	return total - v.used.Rank(uint32(start-1))
}

// AllocRun reserves n contiguous free blocks and returns the first block id
func (v *Volume) AllocRun(n int) (uint64, error) {
	if n <= 0 || n > v.numBlocks {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	run := uint64(n)
	for start := uint64(0); start+run <= uint64(v.numBlocks); {
		if v.usedIn(start, run) == 0 {
			v.used.AddRange(start, start+run)
			return start, nil
		}
		// Skip past the last allocated block inside the candidate run
		last, err := v.used.Select(uint32(v.used.Rank(uint32(start+run-1)) - 1))
		if err != nil {
			return 0, err
		}
		start = uint64(last) + 1
	}
	return 0, fmt.Errorf("%w: %d of %d blocks in use, need %d", ErrNoSpace, v.used.GetCardinality(), v.numBlocks, n)
}

// FreeRun releases n blocks starting at start. Every block must be allocated.
func (v *Volume) FreeRun(start uint64, n int) error {
	if err := v.checkRun(start, n); err != nil {
		return err
	}
	v.mu.Lock()
	if v.usedIn(start, uint64(n)) != uint64(n) {
		v.mu.Unlock()
		return fmt.Errorf("%w: [%d, %d)", ErrNotAllocated, start, start+uint64(n))
	}
	v.used.RemoveRange(start, start+uint64(n))
	v.mu.Unlock()

	for b := start; b < start+uint64(n); b++ {
		v.hits.Reset(int(b))
		if v.cache != nil {
			v.cache.Remove(b)
		}
	}
	return nil
}

// MarkUsed records a run as allocated, used when recovering the catalog
func (v *Volume) MarkUsed(start uint64, n int) error {
	if err := v.checkRun(start, n); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.used.AddRange(start, start+uint64(n))
	return nil
}

// IsUsed reports whether block is allocated
func (v *Volume) IsUsed(block uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return block < uint64(v.numBlocks) && v.used.Contains(uint32(block))
}

func (v *Volume) checkRun(start uint64, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if start+uint64(n) > uint64(v.numBlocks) {
		return fmt.Errorf("%w: [%d, %d) of %d blocks", ErrOutOfRange, start, start+uint64(n), v.numBlocks)
	}
	return nil
}

func (v *Volume) offset(block uint64, off int64, length int) (int64, error) {
	pos := int64(block)*int64(v.blockSize) + off
	if off < 0 || pos+int64(length) > int64(v.numBlocks)*int64(v.blockSize) {
		return 0, fmt.Errorf("%w: block %d offset %d length %d", ErrOutOfRange, block, off, length)
	}
	return pos, nil
}

// WriteAt writes data at (block, off). The write may span blocks.
func (v *Volume) WriteAt(block uint64, off int64, data []byte) error {
	pos, err := v.offset(block, off, len(data))
	if err != nil {
		return err
	}
	if v.cache != nil {
		first := uint64(pos / int64(v.blockSize))
		last := uint64((pos + int64(len(data)) - 1) / int64(v.blockSize))
		for b := first; b <= last && len(data) > 0; b++ {
			v.cache.Remove(b)
		}
	}
	if _, err := v.dev.WriteAt(data, pos); err != nil {
		return fmt.Errorf("volume write at block %d: %w", block, err)
	}
	return nil
}

// ReadAt fills buf from (block, off). Every block touched records hits
// weighted by the pages read from it.
func (v *Volume) ReadAt(block uint64, off int64, buf []byte) error {
	pos, err := v.offset(block, off, len(buf))
	if err != nil {
		return err
	}

	bs := int64(v.blockSize)
	for done := 0; done < len(buf); {
		cur := pos + int64(done)
		b := uint64(cur / bs)
		inBlock := cur % bs
		n := int(min(bs-inBlock, int64(len(buf)-done)))

		pages := (inBlock+int64(n)-1)/PageSize - inBlock/PageSize + 1
		v.hits.AddHits(int(b), uint64(pages))

		if err := v.readBlockRange(b, inBlock, buf[done:done+n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (v *Volume) readBlockRange(b uint64, inBlock int64, dst []byte) error {
	if v.cache != nil {
		if cached, ok := v.cache.Get(b); ok {
			copy(dst, cached.([]byte)[inBlock:])
			return nil
		}
		if v.hits.GetNumHits(int(b)) >= v.opts.cacheAdmitHits {
			whole := make([]byte, v.blockSize)
			if _, err := v.dev.ReadAt(whole, int64(b)*int64(v.blockSize)); err != nil {
				return fmt.Errorf("volume read of block %d: %w", b, err)
			}
			v.cache.Add(b, whole)
			copy(dst, whole[inBlock:])
			return nil
		}
	}
	if _, err := v.dev.ReadAt(dst, int64(b)*int64(v.blockSize)+inBlock); err != nil {
		return fmt.Errorf("volume read of block %d: %w", b, err)
	}
	return nil
}

// CachedBlocks returns how many blocks the cache holds
func (v *Volume) CachedBlocks() int {
	if v.cache == nil {
		return 0
	}
	return v.cache.Len()
}

// Sync flushes the device
func (v *Volume) Sync() error {
	return v.dev.Sync()
}

// Close flushes and closes the device
func (v *Volume) Close() error {
	if v.cache != nil {
		v.cache.Purge()
	}
	if err := v.dev.Sync(); err != nil {
		v.dev.Close()
		return err
	}
	return v.dev.Close()
}
