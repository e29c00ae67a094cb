// ABOUTME: No-op telemetry constructors for tests of real components with telemetry switched off
// ABOUTME: Provides no mocking of behaviour, only disabled instrumentation

package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}
