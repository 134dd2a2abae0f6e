package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const defaultCapacity = 1024

// MemoryQueue is a channel-backed Queue for tests and single-process
// deployments.
type MemoryQueue struct {
	ch       chan Message
	inflight map[string]bool
	mu       sync.Mutex
	closed   bool
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithCapacity sets the buffered channel capacity.
func WithCapacity(n int) MemoryOption {
	return func(q *MemoryQueue) {
		q.ch = make(chan Message, n)
	}
}

// NewMemoryQueue creates a new MemoryQueue instance.
func NewMemoryQueue(options ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		ch:       make(chan Message, defaultCapacity),
		inflight: make(map[string]bool),
	}
	for _, option := range options {
		option(q)
	}
	return q
}

// Enqueue publishes a payload under a deduplication key.
func (q *MemoryQueue) Enqueue(ctx context.Context, key string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.inflight[key] {
		q.mu.Unlock()
		return nil
	}
	q.inflight[key] = true
	q.mu.Unlock()

	msg := Message{ID: uuid.NewString(), Key: key, Payload: payload}
	select {
	case q.ch <- msg:
		return nil
	default:
		q.mu.Lock()
		delete(q.inflight, key)
		q.mu.Unlock()
		return ErrQueueFull
	}
}

// Dequeue blocks until a message is available or the context is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-q.ch:
		if !ok {
			return Message{}, ErrQueueClosed
		}
		return msg, nil
	}
}

// Ack releases the deduplication key of a delivered message.
func (q *MemoryQueue) Ack(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.inflight, msg.Key)
		return nil
	}
}

// Requeue puts a delivered message back for another consumer. Used by tests
// to exercise redelivery; the deduplication key stays held.
func (q *MemoryQueue) Requeue(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue. Pending messages are discarded.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
