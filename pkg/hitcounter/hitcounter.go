// Package hitcounter tracks how hot each block is with one saturating byte
// per block. Hits accumulate logarithmically: a counter at v absorbing n
// hits becomes min(255, floor(ln(e^v + n))), so bursts raise it smoothly
// and it can never overflow.
package hitcounter

import (
	"fmt"
	"math"
	"sync"
)

// MaxHits is the saturation value of a counter.
const MaxHits = math.MaxUint8

// Counter holds one counter per block number, guarded by a single mutex.
type Counter struct {
	mu   sync.Mutex
	hits []uint8
}

// New creates counters for block numbers [0, numBlocks).
func New(numBlocks int) *Counter {
	return &Counter{hits: make([]uint8, numBlocks)}
}

// NumBlocks returns how many block numbers the counter covers.
func (c *Counter) NumBlocks() int {
	return len(c.hits)
}

func (c *Counter) check(block int) {
	if block < 0 || block >= len(c.hits) {
		panic(fmt.Sprintf("hitcounter: block %d out of range [0, %d)", block, len(c.hits)))
	}
}

// AddHits folds n hits into the counter for block.
func (c *Counter) AddHits(block int, n uint64) {
	c.check(block)
	if n == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[block] = accumulate(c.hits[block], n)
}

func accumulate(val uint8, n uint64) uint8 {
	if val == MaxHits {
		return MaxHits
	}
	next := math.Floor(math.Log(math.Exp(float64(val)) + float64(n)))
	if next >= MaxHits {
		return MaxHits
	}
	if next < float64(val) {
		// Float rounding must never make a counter go backwards.
		return val
	}
	return uint8(next)
}

// GetNumHits returns the current counter value for block.
func (c *Counter) GetNumHits(block int) uint8 {
	c.check(block)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[block]
}

// Reset clears the counter for block.
func (c *Counter) Reset(block int) {
	c.check(block)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[block] = 0
}

// ResetAll clears every counter.
func (c *Counter) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.hits)
}
