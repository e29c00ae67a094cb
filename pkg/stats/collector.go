package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Engine operation types
const (
	OpPut          OperationType = "put"
	OpDelete       OperationType = "delete"
	OpGet          OperationType = "get"
	OpWalk         OperationType = "walk"
	OpUpdateWalk   OperationType = "update_walk"
	OpFlush        OperationType = "flush"
	OpCompact      OperationType = "compact"
	OpDurableSave  OperationType = "durable_save"
	OpDurableLoad  OperationType = "durable_load"
	OpDurableFlush OperationType = "durable_flush"
	OpDurableMerge OperationType = "durable_merge"
	OpFileSync     OperationType = "file_sync"
)

// AtomicCollector gathers counters and latencies with atomic updates. Maps
// are only locked when a new key is first seen.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	gauges   map[string]*atomic.Uint64
	gaugesMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	recovery RecoveryStats
}

// RecoveryStats describes the last replay of the file-service catalog.
type RecoveryStats struct {
	GenerationsRecovered atomic.Uint64
	KeysRecovered        atomic.Uint64
	Duration             atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:    make(map[OperationType]*atomic.Uint64),
		latencies: make(map[OperationType]*LatencyTracker),
		errors:    make(map[string]*atomic.Uint64),
		gauges:    make(map[string]*atomic.Uint64),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	getOrCreate(&c.countsMu, c.counts, op, newUint64).Add(1)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := getOrCreate(&c.latenciesMu, c.latencies, op, func() *LatencyTracker { return &LatencyTracker{} })
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}
	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	getOrCreate(&c.errorsMu, c.errors, errorType, newUint64).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// SetGauge stores the current value of a named level
func (c *AtomicCollector) SetGauge(name string, value uint64) {
	getOrCreate(&c.gaugesMu, c.gauges, name, newUint64).Store(value)
}

// StartRecovery resets the recovery statistics and returns the start time
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recovery.GenerationsRecovered.Store(0)
	c.recovery.KeysRecovered.Store(0)
	c.recovery.Duration.Store(0)
	return time.Now()
}

// FinishRecovery records the outcome of a catalog replay
func (c *AtomicCollector) FinishRecovery(startTime time.Time, generationsRecovered, keysRecovered uint64) {
	c.recovery.GenerationsRecovered.Store(generationsRecovered)
	c.recovery.KeysRecovered.Store(keysRecovered)
	c.recovery.Duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.gaugesMu.RLock()
	for name, gauge := range c.gauges {
		stats[name] = gauge.Load()
	}
	c.gaugesMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recovery := map[string]interface{}{
		"generations_recovered": c.recovery.GenerationsRecovered.Load(),
		"keys_recovered":        c.recovery.KeysRecovered.Load(),
	}
	if d := c.recovery.Duration.Load(); d > 0 {
		recovery["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}
		latency := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
			"min_ns": tracker.min.Load(),
			"max_ns": tracker.max.Load(),
		}
		stats[string(op)+"_latency"] = latency
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func newUint64() *atomic.Uint64 { return &atomic.Uint64{} }

// getOrCreate takes the read lock on the fast path and the write lock only
// when key has never been seen.
func getOrCreate[K comparable, V any](mu *sync.RWMutex, m map[K]*V, key K, create func() *V) *V {
	mu.RLock()
	v, ok := m[key]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok = m[key]; !ok {
		v = create()
		m[key] = v
	}
	return v
}
