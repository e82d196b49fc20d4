package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler agent metrics
	TickStarted()
	TickCompleted(duration time.Duration, runsCreated int, err error)

	// Materialization metrics
	RunsMaterialized(count int)

	// Reconciler metrics
	StatelessRunsUpdate(count int)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Leader election metrics
	LeaderStatusUpdate(isLeader bool)
}
