// Package events carries pipeline lifecycle notifications: job state
// transitions published by the orchestrator and worker, and progress
// recordings published by the tracker. Delivery is asynchronous and
// best-effort; the pipeline never blocks on a slow subscriber.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
)

// Event is one pipeline notification. Key identifies the subject: a job's
// idempotency token, or "user:item" for progress events.
type Event struct {
	Type string
	Key  string
	Data map[string]interface{}
}

// Handler processes published events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus manages event subscriptions and publishing.
type Bus struct {
	handlers   map[string][]Handler
	mu         sync.RWMutex
	eventCh    chan Event
	errHandler func(event Event, err error)
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// BusOption defines functional options for configuring a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom handler for subscriber errors.
func WithErrorHandler(handler func(event Event, err error)) BusOption {
	return func(b *Bus) {
		b.errHandler = handler
	}
}

// NewBus creates a new Bus with async processing. The default buffer size
// is 100 and subscriber errors are printed.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		handlers:   make(map[string][]Handler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}
	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.process()

	return b
}

// Subscribe subscribes a handler to an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(fn))
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Events without subscribers are dropped. Returns an error if the context
// is canceled, the bus is closed, or the channel is full.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	b.mu.RLock()
	_, hasHandlers := b.handlers[event.Type]
	b.mu.RUnlock()
	if !hasHandlers {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop stops the processing goroutine and waits for completion. Unprocessed
// events are discarded.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for len(b.eventCh) > 0 {
			<-b.eventCh
		}
		close(b.eventCh)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) process() {
	defer b.wg.Done()

	for event := range b.eventCh {
		b.mu.RLock()
		handlers := b.handlers[event.Type]
		b.mu.RUnlock()

		for _, handler := range handlers {
			if err := handler.Handle(context.Background(), event); err != nil {
				b.errHandler(event, err)
			}
		}
	}
}

func defaultErrorHandler(event Event, err error) {
	fmt.Printf("error handling event %s (%s): %v\n", event.Type, event.Key, err)
}
