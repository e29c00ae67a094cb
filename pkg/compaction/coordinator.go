package compaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevoDB/indy/pkg/common/log"
)

// Target is a store the coordinator keeps in shape
type Target interface {
	// ID names the target in logs
	ID() string

	// ShouldFlush reports whether the target has memory data worth flushing
	ShouldFlush() bool

	// Flush moves memory layers toward disk
	Flush(ctx context.Context) error

	// Compact merges disk layers and returns how many groups were merged
	Compact(ctx context.Context) (int, error)
}

// CoordinatorOptions holds configuration options for the coordinator
type CoordinatorOptions struct {
	// Interval between background cycles
	Interval time.Duration

	// Logger for cycle failures
	Logger log.Logger
}

// Coordinator runs flush and compaction cycles over a changing set of
// targets, one cycle at a time
type Coordinator struct {
	targets  func() []Target
	interval time.Duration
	logger   log.Logger

	// cycleMu serializes cycles
	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu sync.RWMutex
	cycles  uint64
	flushes uint64
	merges  uint64
	errors  uint64
	lastErr error
}

// NewCoordinator creates a coordinator over the targets returned by targets
func NewCoordinator(targets func() []Target, opts CoordinatorOptions) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Coordinator{
		targets:  targets,
		interval: opts.Interval,
		logger:   log.ForComponent(opts.Logger, "compaction"),
	}
}

// Start begins background cycles
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.worker(c.stopCh, c.doneCh)
	return nil
}

// Stop halts background cycles and waits for the current one to finish
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.running = false
	done := c.doneCh
	c.mu.Unlock()

	<-done
	return nil
}

func (c *Coordinator) worker(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := c.TriggerCompaction(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("maintenance cycle failed: %v", err)
			}
		}
	}
}

// TriggerCompaction runs one cycle: flush every target that wants it, then
// compact every target. It returns the first failure; later targets still
// run.
func (c *Coordinator) TriggerCompaction(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	var first error
	var flushes, merges, failures uint64
	for _, t := range c.targets() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.ShouldFlush() {
			if err := t.Flush(ctx); err != nil {
				failures++
				if first == nil {
					first = err
				}
				c.logger.Error("flush of %s failed: %v", t.ID(), err)
				continue
			}
			flushes++
		}
		n, err := t.Compact(ctx)
		if err != nil {
			failures++
			if first == nil {
				first = err
			}
			c.logger.Error("compaction of %s failed: %v", t.ID(), err)
			continue
		}
		merges += uint64(n)
	}

	c.statsMu.Lock()
	c.cycles++
	c.flushes += flushes
	c.merges += merges
	c.errors += failures
	if first != nil {
		c.lastErr = first
	}
	c.statsMu.Unlock()
	return first
}

// GetCompactionStats returns statistics about the coordinator
func (c *Coordinator) GetCompactionStats() map[string]interface{} {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()

	stats := map[string]interface{}{
		"cycles":  c.cycles,
		"flushes": c.flushes,
		"merges":  c.merges,
		"errors":  c.errors,
	}
	if c.lastErr != nil {
		stats["last_error"] = c.lastErr.Error()
	}
	return stats
}
