// Package queue is the asynchronous broker boundary between the job
// orchestrator and the generation workers. Delivery is at-least-once:
// messages stay in flight until acknowledged, and consumers must tolerate
// redelivery. Per-key deduplication drops a second enqueue of a key whose
// message has not been acknowledged yet.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrQueueClosed indicates the queue has been closed.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueFull indicates the queue cannot accept more messages.
	ErrQueueFull = errors.New("queue is full")
)

// Message is one queued generation request.
type Message struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
}

// Queue is the injected broker interface.
type Queue interface {
	// Enqueue publishes a payload under a deduplication key. Enqueueing a
	// key that is already pending or in flight is a silent no-op.
	Enqueue(ctx context.Context, key string, payload []byte) error

	// Dequeue blocks until a message is available or the context is done.
	Dequeue(ctx context.Context) (Message, error)

	// Ack settles a delivered message and releases its deduplication key.
	Ack(ctx context.Context, msg Message) error
}
