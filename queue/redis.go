package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	pendingKey    = "genqueue:pending"
	processingKey = "genqueue:processing"
	dedupePrefix  = "genqueue:dedupe:"

	popTimeout = time.Second
)

// RedisQueue is a Redis-list-backed Queue. Enqueue takes the deduplication
// key with SETNX before pushing; Dequeue moves messages into a processing
// list so unacknowledged deliveries survive a consumer crash and can be
// redelivered.
type RedisQueue struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection of a RedisQueue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisQueue creates a new RedisQueue instance.
func NewRedisQueue(opts RedisOptions) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient wraps an existing client, sharing the connection
// pool with a RedisStorage.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue publishes a payload under a deduplication key.
func (q *RedisQueue) Enqueue(ctx context.Context, key string, payload []byte) error {
	ok, err := q.client.SetNX(ctx, dedupePrefix+key, 1, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to take dedupe key %s: %v", key, err)
	}
	if !ok {
		return nil
	}

	msg := Message{ID: uuid.NewString(), Key: key, Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %v", key, err)
	}
	if err := q.client.LPush(ctx, pendingKey, data).Err(); err != nil {
		q.client.Del(ctx, dedupePrefix+key)
		return fmt.Errorf("failed to push message %s: %v", key, err)
	}
	return nil
}

// Dequeue blocks until a message is available or the context is done. The
// message is moved into the processing list until acknowledged.
func (q *RedisQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		default:
		}

		data, err := q.client.BRPopLPush(ctx, pendingKey, processingKey, popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, fmt.Errorf("failed to pop message: %v", err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			// Unparsable entries cannot be processed; drop from the
			// processing list so they are not redelivered forever.
			q.client.LRem(ctx, processingKey, 1, data)
			return Message{}, fmt.Errorf("failed to unmarshal message: %v", err)
		}
		return msg, nil
	}
}

// Ack settles a delivered message and releases its deduplication key.
func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %v", msg.Key, err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, data)
	pipe.Del(ctx, dedupePrefix+msg.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message %s: %v", msg.Key, err)
	}
	return nil
}

// Recover moves every unacknowledged message back to the pending list.
// Called on startup before workers attach, when no delivery is in flight.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, processingKey, pendingKey).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		} else if err != nil {
			return moved, fmt.Errorf("failed to recover processing list: %v", err)
		}
		moved++
	}
}

// Close closes the Redis client connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
