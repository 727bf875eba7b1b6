// Package buffer accumulates opaque events in memory and hands them to a
// single consumer in ordered batches.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FlushFunc receives the events detached by a flush, in insertion order.
type FlushFunc[T any] func(events []T)

// AddFunc receives the buffer length after an add or a flush.
type AddFunc func(size int)

// EventBuffer is an append-only, in-memory event queue that is drained by
// Flush, either on demand or from a periodic timer.
//
// OnFlush and OnAdd hold a single subscriber each; registering again
// replaces the previous callback.
type EventBuffer[T any] struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	events  []T
	onFlush FlushFunc[T]
	onAdd   AddFunc

	// flushMu serialises flushes so the ticker never re-enters an
	// observer that is still running.
	flushMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty EventBuffer.
func New[T any](log logrus.FieldLogger) *EventBuffer[T] {
	return &EventBuffer[T]{
		log: log.WithField("component", "event_buffer"),
	}
}

// OnFlush registers the flush observer.
func (b *EventBuffer[T]) OnFlush(fn FlushFunc[T]) {
	b.mu.Lock()
	b.onFlush = fn
	b.mu.Unlock()
}

// OnAdd registers the size observer.
func (b *EventBuffer[T]) OnAdd(fn AddFunc) {
	b.mu.Lock()
	b.onAdd = fn
	b.mu.Unlock()
}

// Add appends event to the buffer. It never blocks on a running flush.
func (b *EventBuffer[T]) Add(event T) {
	b.mu.Lock()
	b.events = append(b.events, event)
	size := len(b.events)
	onAdd := b.onAdd
	b.mu.Unlock()

	if onAdd != nil {
		onAdd(size)
	}
}

// Size returns the number of events awaiting flush.
func (b *EventBuffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.events)
}

// Flush detaches every buffered event and passes them to the flush
// observer. It is a no-op when the buffer is empty.
func (b *EventBuffer[T]) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()

	if len(b.events) == 0 {
		b.mu.Unlock()

		return
	}

	detached := b.events
	b.events = nil
	onFlush := b.onFlush
	onAdd := b.onAdd
	b.mu.Unlock()

	b.log.WithField("events", len(detached)).Debug("Flushing event buffer")

	if onFlush != nil {
		onFlush(detached)
	} else {
		b.log.WithField("events", len(detached)).
			Warn("No flush observer registered, discarding events")
	}

	if onAdd != nil {
		onAdd(0)
	}
}

// Start begins flushing every interval. Calling Start on a running
// buffer does nothing.
func (b *EventBuffer[T]) Start(interval time.Duration) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.cancel != nil {
		return
	}

	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.runLoop(ctx, interval, b.done)

	b.log.WithField("interval", interval).Info("Event buffer started")
}

// Stop cancels the periodic flush, waits for it to exit and then drains
// whatever is still buffered.
func (b *EventBuffer[T]) Stop() {
	b.runMu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	b.Flush()
}

func (b *EventBuffer[T]) runLoop(
	ctx context.Context,
	interval time.Duration,
	done chan struct{},
) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
