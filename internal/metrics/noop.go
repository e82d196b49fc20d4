package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                   {}
func (n *NoopSink) TickCompleted(duration time.Duration, runsCreated int, _ error) {}
func (n *NoopSink) RunsMaterialized(count int)                                     {}
func (n *NoopSink) StatelessRunsUpdate(count int)                                  {}
func (n *NoopSink) BufferSizeUpdate(size int)                                      {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                 {}
func (n *NoopSink) EmitError()                                                     {}
func (n *NoopSink) LeaderStatusUpdate(isLeader bool)                               {}

// Verify NoopSink implements Sink.
var _ Sink = (*NoopSink)(nil)
