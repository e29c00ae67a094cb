// Package pool provides fixed-capacity block allocators backed by a single
// pinned arena. Pool is safe for concurrent use and waits with bounded
// backoff when exhausted; LocklessPool is for single-owner call sites and
// fails immediately.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/KevoDB/indy/pkg/common/log"
)

var (
	ErrAlreadyInitialized = errors.New("pool already initialized")
	ErrNotInitialized     = errors.New("pool not initialized")
	ErrBlockTooLarge      = errors.New("requested size exceeds block size")
	ErrExhausted          = errors.New("pool exhausted")
	ErrDoubleFree         = errors.New("block freed twice")
	ErrForeignBlock       = errors.New("block does not belong to this pool")
	ErrPinFailed          = errors.New("failed to pin arena in memory")
)

const minBlockSize = 8

type options struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pin            bool
	requirePin     bool
	debug          bool
	name           string
	logger         log.Logger
	metrics        Metrics
}

func defaultOptions() options {
	return options{
		maxRetries:     2000,
		initialBackoff: 50 * time.Microsecond,
		maxBackoff:     time.Millisecond,
		pin:            true,
		name:           "pool",
	}
}

// Option configures a Pool or LocklessPool
type Option func(*options)

// WithMaxRetries sets how many backoff waits Alloc makes before giving up.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBackoff sets the first and the largest wait between allocation attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

// WithPin controls whether Init locks the arena into physical memory.
// When pinning fails the pool logs a warning and runs unpinned.
func WithPin(pin bool) Option {
	return func(o *options) { o.pin = pin }
}

// WithRequirePin makes a pinning failure fail Init.
func WithRequirePin() Option {
	return func(o *options) {
		o.pin = true
		o.requirePin = true
	}
}

// WithDebug zeroes blocks at Init and again on every Free.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithName labels log lines and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger used for init, leak and fatal messages.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(blockSize int, opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if blockSize < minBlockSize {
		return o, fmt.Errorf("block size %d is below the minimum of %d", blockSize, minBlockSize)
	}
	if o.logger == nil {
		o.logger = log.ForComponent(nil, "pool")
	}
	o.logger = o.logger.WithField("pool", o.name)
	if o.metrics == nil {
		o.metrics = NewNoopMetrics()
	}
	return o, nil
}

// Pool hands out fixed-size blocks from one arena. All methods are safe for
// concurrent use.
type Pool struct {
	mu          sync.Mutex
	arena       arena
	blockSize   int
	initialized bool
	closed      bool
	freed       chan struct{}
	opts        options
}

// New creates a pool of blockSize-byte blocks. Init must be called before use.
func New(blockSize int, opts ...Option) (*Pool, error) {
	o, err := buildOptions(blockSize, opts)
	if err != nil {
		return nil, err
	}
	return &Pool{
		blockSize: blockSize,
		freed:     make(chan struct{}, 1),
		opts:      o,
	}, nil
}

// Init maps and pins an arena of blockCount blocks. It can only be called once.
func (p *Pool) Init(blockCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

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

	size := uint64(p.blockSize) * uint64(blockCount)
	if p.opts.pin && !p.arena.pinned {
		p.opts.logger.Warn("arena of %s could not be pinned, running with demand paging", humanize.IBytes(size))
	}
	p.opts.logger.Info("allocated %s for %d blocks of %s (pinned=%t)",
		humanize.IBytes(size), blockCount, humanize.IBytes(uint64(p.blockSize)), p.arena.pinned)
	return nil
}

// TryAlloc takes a free block without waiting.
func (p *Pool) TryAlloc(size int) (Block, error) {
	if size > p.blockSize || size < 0 {
		return Block{}, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, p.blockSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized || p.closed {
		return Block{}, ErrNotInitialized
	}
	b, ok := p.arena.alloc(size)
	if !ok {
		return Block{}, ErrExhausted
	}
	return b, nil
}

// Alloc takes a free block, waiting with jittered exponential backoff while
// the pool is exhausted. After the configured number of waits it returns
// ErrExhausted; the pool's capacity was planned too small.
func (p *Pool) Alloc(size int) (Block, error) {
	ctx := context.Background()
	backoff := p.opts.initialBackoff
	var timer *time.Timer

	for attempt := 0; ; attempt++ {
		b, err := p.TryAlloc(size)
		if err == nil {
			p.opts.metrics.RecordAlloc(ctx, attempt, true)
			return b, nil
		}
		if !errors.Is(err, ErrExhausted) {
			return Block{}, err
		}
		if attempt >= p.opts.maxRetries {
			p.opts.metrics.RecordAlloc(ctx, attempt, false)
			p.opts.logger.Error("exhausted after %d waits: %d of %d blocks in use",
				attempt, p.GetNumBlocksUsed(), p.GetMaxBlocks())
			return Block{}, fmt.Errorf("%w after %d waits", ErrExhausted, attempt)
		}

		wait := backoff
		if jitterRange := int64(backoff / 10); jitterRange > 0 {
			wait += time.Duration(rand.Int63n(jitterRange))
		}
		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		} else {
			timer.Reset(wait)
		}
		select {
		case <-p.freed:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}

		backoff *= 2
		if backoff > p.opts.maxBackoff {
			backoff = p.opts.maxBackoff
		}
	}
}

// MustAlloc is Alloc for call sites that cannot continue without a block.
// Exhaustion is logged as fatal.
func (p *Pool) MustAlloc(size int) Block {
	b, err := p.Alloc(size)
	if err != nil {
		p.opts.logger.Fatal("unrecoverable allocation failure: %v", err)
	}
	return b
}

// Free returns b to the pool. Freeing a block twice or freeing a block from
// another pool is reported as an error and leaves the pool unchanged.
func (p *Pool) Free(b Block) error {
	p.mu.Lock()
	if !p.initialized || p.closed {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	err := p.arena.free(b)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case p.freed <- struct{}{}:
	default:
	}
	return nil
}

// GetNumBlocksUsed returns the number of blocks currently allocated.
func (p *Pool) GetNumBlocksUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arena.used
}

// GetMaxBlocks returns the capacity fixed at Init.
func (p *Pool) GetMaxBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arena.numBlocks
}

// GetBlockSize returns the size of every block.
func (p *Pool) GetBlockSize() int {
	return p.blockSize
}

// IsPinned reports whether the arena is locked in memory.
func (p *Pool) IsPinned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arena.pinned
}

// Close unmaps the arena. Blocks still in use are reported as a leak and
// their memory stays mapped.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized || p.closed {
		return nil
	}
	p.closed = true
	if p.arena.used > 0 {
		p.opts.logger.Warn("leak: %d of %d blocks still in use at close", p.arena.used, p.arena.numBlocks)
	}
	p.opts.metrics.RecordUsage(context.Background(), p.arena.used, p.arena.numBlocks)
	return p.arena.release()
}
