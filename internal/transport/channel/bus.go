// Package channel is an in-process transport for triggered watches.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/watchrecord/internal/domain"
)

// ErrBufferFull is returned when the buffer stays full for the whole emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 100 * time.Millisecond

// MetricsSink receives buffer statistics. Methods must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout overrides DefaultEmitTimeout. Zero makes Emit fail at once
// when the buffer is full.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

// EventBus is a buffered channel of triggered watches.
type EventBus struct {
	ch          chan domain.TriggeredWatch
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.TriggeredWatch, buffer),
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

// Emit queues w. A record that cannot be queued stays in the store, so the
// caller may treat ErrBufferFull as "recovery will pick it up".
func (b *EventBus) Emit(ctx context.Context, w domain.TriggeredWatch) error {
	select {
	case b.ch <- w:
		b.observe()
		return nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if b.emitTimeout <= 0 {
		b.emitFailed()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- w:
		b.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.emitFailed()
		return ErrBufferFull
	}
}

// Channel returns the receive side consumed by the dispatcher.
func (b *EventBus) Channel() <-chan domain.TriggeredWatch {
	return b.ch
}

// Len is the number of queued records.
func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) observe() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) emitFailed() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
