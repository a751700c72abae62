// Package bus carries progress events from the worker goroutines of one
// execution request to its single consumer. It is the only synchronized
// structure shared between the workers and the control path: message
// passing, not shared mutable state.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// EventBus is a bounded multi-producer, single-consumer FIFO queue. Each
// worker goroutine is a producer; the coordinator's drain loop is the one
// consumer. A slow consumer applies back-pressure: producers block rather
// than drop events, so progress never silently goes missing.
type EventBus struct {
	logger    *zap.Logger
	ch        chan schemas.ProgressEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a bus with the given buffer depth. A zero or negative buffer
// degenerates to a rendezvous channel.
func New(logger *zap.Logger, buffer int) *EventBus {
	if buffer < 0 {
		buffer = 0
	}
	return &EventBus{
		logger: logger.Named("bus"),
		ch:     make(chan schemas.ProgressEvent, buffer),
		closed: make(chan struct{}),
	}
}

// Emit enqueues one event, blocking while the buffer is full. Events posted
// after Close are dropped; the coordinator only closes the bus once every
// producer has returned, so a drop here indicates a lifecycle bug and is
// logged rather than silently ignored.
func (b *EventBus) Emit(ev schemas.ProgressEvent) {
	select {
	case <-b.closed:
		b.logger.Warn("Event emitted after bus close, dropping",
			zap.String("type", string(ev.Type())),
			zap.String("job_id", ev.Job()))
	default:
		select {
		case b.ch <- ev:
		case <-b.closed:
			b.logger.Warn("Bus closed while event delivery was blocked, dropping",
				zap.String("type", string(ev.Type())))
		}
	}
}

// Events returns the consumer side. The channel yields events in emission
// arrival order and is closed by Close.
func (b *EventBus) Events() <-chan schemas.ProgressEvent {
	return b.ch
}

// Close ends the stream. The caller must guarantee that all producers have
// finished emitting; the coordinator does this by waiting for every job to
// reach a terminal state first.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		close(b.ch)
	})
}

var _ schemas.EventSink = (*EventBus)(nil)
