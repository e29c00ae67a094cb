package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// SetGauge records the current value of a named level, such as pool blocks in use
	SetGauge(name string, value uint64)

	// StartRecovery marks the beginning of a catalog replay
	StartRecovery() time.Time

	// FinishRecovery records the outcome of a catalog replay
	FinishRecovery(startTime time.Time, generationsRecovered, keysRecovered uint64)
}

var _ Collector = (*AtomicCollector)(nil)
