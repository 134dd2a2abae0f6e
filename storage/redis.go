package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/parel/contentflow/types"
)

const (
	nodePrefix     = "taxonomy:node:"
	leafPrefix     = "taxonomy:leaf:"
	jobPrefix      = "job:"
	itemPrefix     = "item:"
	leafItemsKey   = "leaf:%d:items"
	flowPrefix     = "flow:"
	progressPrefix = "progress:"
	userSeqKey     = "user:%d:progress"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// setJSON marshals value under key.
func (s *RedisStorage) setJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value stored under key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveNode saves a taxonomy node to Redis.
func (s *RedisStorage) SaveNode(ctx context.Context, node types.TaxonomyNode) error {
	return s.setJSON(ctx, fmt.Sprintf("%s%d", nodePrefix, node.ID), node)
}

// SaveLeaf saves a leaf to Redis.
func (s *RedisStorage) SaveLeaf(ctx context.Context, leaf types.Leaf) error {
	return s.setJSON(ctx, fmt.Sprintf("%s%d", leafPrefix, leaf.ID), leaf)
}

// GetLeaf retrieves a leaf from Redis.
func (s *RedisStorage) GetLeaf(ctx context.Context, id uint64) (types.Leaf, error) {
	return getJSON[types.Leaf](ctx, s.client, fmt.Sprintf("%s%d", leafPrefix, id), ErrLeafNotFound)
}

// LeafPath walks the parent chain and returns the taxonomy names from the
// root category down to the leaf.
func (s *RedisStorage) LeafPath(ctx context.Context, id uint64) ([]string, error) {
	leaf, err := s.GetLeaf(ctx, id)
	if err != nil {
		return nil, err
	}
	path := []string{leaf.Name}
	parent := leaf.ParentID
	for depth := 0; parent != 0; depth++ {
		if depth >= maxTaxonomyDepth {
			return nil, fmt.Errorf("taxonomy parent chain too deep for leaf %d", id)
		}
		node, err := getJSON[types.TaxonomyNode](ctx, s.client, fmt.Sprintf("%s%d", nodePrefix, parent), ErrNodeNotFound)
		if err != nil {
			return nil, err
		}
		path = append([]string{node.Name}, path...)
		parent = node.ParentID
	}
	return path, nil
}

// SaveJob saves a job record to Redis.
func (s *RedisStorage) SaveJob(ctx context.Context, job types.JobRecord) error {
	return s.setJSON(ctx, jobPrefix+job.Key(), job)
}

// GetJob retrieves a job record from Redis.
func (s *RedisStorage) GetJob(ctx context.Context, leafID uint64, runVersion string) (types.JobRecord, error) {
	return getJSON[types.JobRecord](ctx, s.client, jobPrefix+jobKey(leafID, runVersion), ErrJobNotFound)
}

// DeleteJob removes a job record from Redis.
func (s *RedisStorage) DeleteJob(ctx context.Context, leafID uint64, runVersion string) error {
	return withContextError(ctx, func() error {
		return s.client.Del(ctx, jobPrefix+jobKey(leafID, runVersion)).Err()
	})
}

// LeafJobs lists all job records for a leaf.
func (s *RedisStorage) LeafJobs(ctx context.Context, leafID uint64) ([]types.JobRecord, error) {
	return withContext(ctx, func() ([]types.JobRecord, error) {
		keys, err := s.client.Keys(ctx, fmt.Sprintf("%s%d:*", jobPrefix, leafID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan job keys: %v", err)
		}
		jobs := make([]types.JobRecord, 0, len(keys))
		for _, key := range keys {
			job, err := getJSON[types.JobRecord](ctx, s.client, key, ErrJobNotFound)
			if errors.Is(err, ErrJobNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
		return jobs, nil
	})
}

// GetItem retrieves a content item from Redis.
func (s *RedisStorage) GetItem(ctx context.Context, id uint64) (types.ContentItem, error) {
	return getJSON[types.ContentItem](ctx, s.client, fmt.Sprintf("%s%d", itemPrefix, id), ErrItemNotFound)
}

// ItemsByLeaf lists the content items owned by a leaf in insertion order.
func (s *RedisStorage) ItemsByLeaf(ctx context.Context, leafID uint64) ([]types.ContentItem, error) {
	return withContext(ctx, func() ([]types.ContentItem, error) {
		ids, err := s.client.LRange(ctx, fmt.Sprintf(leafItemsKey, leafID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list items of leaf %d: %v", leafID, err)
		}
		items := make([]types.ContentItem, 0, len(ids))
		for _, id := range ids {
			item, err := getJSON[types.ContentItem](ctx, s.client, itemPrefix+id, ErrItemNotFound)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	})
}

// CompleteJob persists the items, the terminal job record and the updated
// leaf inside one transactional pipeline.
func (s *RedisStorage) CompleteJob(ctx context.Context, job types.JobRecord, leaf types.Leaf, items []types.ContentItem) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("failed to marshal item %d: %v", item.ID, err)
			}
			pipe.Set(ctx, fmt.Sprintf("%s%d", itemPrefix, item.ID), data, 0)
			pipe.RPush(ctx, fmt.Sprintf(leafItemsKey, item.LeafID), fmt.Sprintf("%d", item.ID))
		}
		jobData, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %v", job.Key(), err)
		}
		pipe.Set(ctx, jobPrefix+job.Key(), jobData, 0)
		leafData, err := json.Marshal(leaf)
		if err != nil {
			return fmt.Errorf("failed to marshal leaf %d: %v", leaf.ID, err)
		}
		pipe.Set(ctx, fmt.Sprintf("%s%d", leafPrefix, leaf.ID), leafData, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute completion pipeline for %s: %v", job.Key(), err)
		}
		return nil
	})
}

// SaveFlow saves a flow definition to Redis.
func (s *RedisStorage) SaveFlow(ctx context.Context, f types.Flow) error {
	return s.setJSON(ctx, fmt.Sprintf("%s%d", flowPrefix, f.ID), f)
}

// GetFlow retrieves a flow definition from Redis.
func (s *RedisStorage) GetFlow(ctx context.Context, id uint64) (types.Flow, error) {
	return getJSON[types.Flow](ctx, s.client, fmt.Sprintf("%s%d", flowPrefix, id), ErrFlowNotFound)
}

// CreateProgress records one interaction. SETNX on the composite key is the
// uniqueness guard against racing duplicate requests.
func (s *RedisStorage) CreateProgress(ctx context.Context, p types.UserProgress) (types.UserProgress, error) {
	return withContext(ctx, func() (types.UserProgress, error) {
		key := progressPrefix + progressKey(p.UserID, p.ItemID)
		placeholder, err := json.Marshal(p)
		if err != nil {
			return types.UserProgress{}, fmt.Errorf("failed to marshal progress %s: %v", key, err)
		}
		ok, err := s.client.SetNX(ctx, key, placeholder, 0).Result()
		if err != nil {
			return types.UserProgress{}, fmt.Errorf("failed to create %s: %v", key, err)
		}
		if !ok {
			return types.UserProgress{}, fmt.Errorf("%w: %s", ErrProgressExists, progressKey(p.UserID, p.ItemID))
		}
		seq, err := s.client.RPush(ctx, fmt.Sprintf(userSeqKey, p.UserID), key).Result()
		if err != nil {
			return types.UserProgress{}, fmt.Errorf("failed to append %s to sequence: %v", key, err)
		}
		p.Seq = int(seq)
		if err := s.setJSON(ctx, key, p); err != nil {
			return types.UserProgress{}, err
		}
		return p, nil
	})
}

// GetProgress retrieves one recorded interaction.
func (s *RedisStorage) GetProgress(ctx context.Context, userID, itemID uint64) (types.UserProgress, error) {
	return getJSON[types.UserProgress](ctx, s.client, progressPrefix+progressKey(userID, itemID), ErrProgressNotFound)
}

// UserProgress lists a user's interactions in recording order.
func (s *RedisStorage) UserProgress(ctx context.Context, userID uint64) ([]types.UserProgress, error) {
	return withContext(ctx, func() ([]types.UserProgress, error) {
		keys, err := s.client.LRange(ctx, fmt.Sprintf(userSeqKey, userID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list progress of user %d: %v", userID, err)
		}
		rows := make([]types.UserProgress, 0, len(keys))
		for _, key := range keys {
			row, err := getJSON[types.UserProgress](ctx, s.client, key, ErrProgressNotFound)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
