// Package channel provides an in-process event bus carrying materialization
// events from the scheduler to subscribers (analytics, metrics).
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/runloom/runloom/internal/domain"
)

// ErrBufferFull is returned when an emit times out because the buffer is full.
var ErrBufferFull = errors.New("event bus buffer full")

// DefaultEmitTimeout bounds how long Emit blocks on a full buffer before
// giving up. Materialization events are advisory; dropping one loses an
// analytics sample, never a flow run.
const DefaultEmitTimeout = 1 * time.Second

// MetricsSink records buffer health. Implementations must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type EventBus struct {
	ch          chan domain.RunsMaterializedEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

type Option func(*EventBus)

// WithEmitTimeout overrides the default emit timeout.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.RunsMaterializedEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit publishes an event, blocking up to the emit timeout when the buffer
// is full. Returns ErrBufferFull on timeout or ctx.Err() on cancellation.
func (b *EventBus) Emit(ctx context.Context, event domain.RunsMaterializedEvent) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.updateMetrics()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

// Channel returns the receive side of the bus.
func (b *EventBus) Channel() <-chan domain.RunsMaterializedEvent {
	return b.ch
}

func (b *EventBus) updateMetrics() {
	if b.metrics == nil {
		return
	}
	b.metrics.BufferSizeUpdate(len(b.ch))
}
