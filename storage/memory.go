package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/parel/contentflow/types"
)

// maxTaxonomyDepth bounds the parent-chain walk in LeafPath.
const maxTaxonomyDepth = 8

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	nodes     map[uint64]types.TaxonomyNode
	leaves    map[uint64]types.Leaf
	jobs      map[string]types.JobRecord
	items     map[uint64]types.ContentItem
	leafItems map[uint64][]uint64
	flows     map[uint64]types.Flow
	progress  map[string]types.UserProgress
	userSeq   map[uint64][]string
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nodes:     make(map[uint64]types.TaxonomyNode),
		leaves:    make(map[uint64]types.Leaf),
		jobs:      make(map[string]types.JobRecord),
		items:     make(map[uint64]types.ContentItem),
		leafItems: make(map[uint64][]uint64),
		flows:     make(map[uint64]types.Flow),
		progress:  make(map[string]types.UserProgress),
		userSeq:   make(map[uint64][]string),
	}
}

func jobKey(leafID uint64, runVersion string) string {
	return fmt.Sprintf("%d:%s", leafID, runVersion)
}

func progressKey(userID, itemID uint64) string {
	return fmt.Sprintf("%d:%d", userID, itemID)
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveNode saves a taxonomy node to memory.
func (s *MemoryStorage) SaveNode(ctx context.Context, node types.TaxonomyNode) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nodes[node.ID] = node
		return nil
	})
}

// SaveLeaf saves a leaf to memory.
func (s *MemoryStorage) SaveLeaf(ctx context.Context, leaf types.Leaf) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.leaves[leaf.ID] = leaf
		return nil
	})
}

// GetLeaf retrieves a leaf from memory.
func (s *MemoryStorage) GetLeaf(ctx context.Context, id uint64) (types.Leaf, error) {
	return getItem(ctx, &s.mu, s.leaves, id, ErrLeafNotFound)
}

// LeafPath walks the parent chain and returns the taxonomy names from the
// root category down to the leaf.
func (s *MemoryStorage) LeafPath(ctx context.Context, id uint64) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		leaf, ok := s.leaves[id]
		if !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrLeafNotFound, id)
		}
		path := []string{leaf.Name}
		parent := leaf.ParentID
		for depth := 0; parent != 0; depth++ {
			if depth >= maxTaxonomyDepth {
				return nil, fmt.Errorf("taxonomy parent chain too deep for leaf %d", id)
			}
			node, ok := s.nodes[parent]
			if !ok {
				return nil, fmt.Errorf("%w: id=%d", ErrNodeNotFound, parent)
			}
			path = append([]string{node.Name}, path...)
			parent = node.ParentID
		}
		return path, nil
	})
}

// SaveJob saves a job record to memory.
func (s *MemoryStorage) SaveJob(ctx context.Context, job types.JobRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.jobs[job.Key()] = job
		return nil
	})
}

// GetJob retrieves a job record from memory.
func (s *MemoryStorage) GetJob(ctx context.Context, leafID uint64, runVersion string) (types.JobRecord, error) {
	return getItem(ctx, &s.mu, s.jobs, jobKey(leafID, runVersion), ErrJobNotFound)
}

// DeleteJob removes a job record from memory.
func (s *MemoryStorage) DeleteJob(ctx context.Context, leafID uint64, runVersion string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.jobs, jobKey(leafID, runVersion))
		return nil
	})
}

// LeafJobs lists all job records for a leaf.
func (s *MemoryStorage) LeafJobs(ctx context.Context, leafID uint64) ([]types.JobRecord, error) {
	return withContext(ctx, func() ([]types.JobRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var jobs []types.JobRecord
		for _, job := range s.jobs {
			if job.LeafID == leafID {
				jobs = append(jobs, job)
			}
		}
		return jobs, nil
	})
}

// GetItem retrieves a content item from memory.
func (s *MemoryStorage) GetItem(ctx context.Context, id uint64) (types.ContentItem, error) {
	return getItem(ctx, &s.mu, s.items, id, ErrItemNotFound)
}

// ItemsByLeaf lists the content items owned by a leaf in insertion order.
func (s *MemoryStorage) ItemsByLeaf(ctx context.Context, leafID uint64) ([]types.ContentItem, error) {
	return withContext(ctx, func() ([]types.ContentItem, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := s.leafItems[leafID]
		items := make([]types.ContentItem, 0, len(ids))
		for _, id := range ids {
			items = append(items, s.items[id])
		}
		return items, nil
	})
}

// CompleteJob persists the items, the terminal job record and the updated
// leaf under a single lock.
func (s *MemoryStorage) CompleteJob(ctx context.Context, job types.JobRecord, leaf types.Leaf, items []types.ContentItem) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, item := range items {
			s.items[item.ID] = item
			s.leafItems[item.LeafID] = append(s.leafItems[item.LeafID], item.ID)
		}
		s.jobs[job.Key()] = job
		s.leaves[leaf.ID] = leaf
		return nil
	})
}

// SaveFlow saves a flow definition to memory.
func (s *MemoryStorage) SaveFlow(ctx context.Context, f types.Flow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flows[f.ID] = f
		return nil
	})
}

// GetFlow retrieves a flow definition from memory.
func (s *MemoryStorage) GetFlow(ctx context.Context, id uint64) (types.Flow, error) {
	return getItem(ctx, &s.mu, s.flows, id, ErrFlowNotFound)
}

// CreateProgress records one interaction, enforcing the per-(user, item)
// uniqueness guard and assigning the next sequence number.
func (s *MemoryStorage) CreateProgress(ctx context.Context, p types.UserProgress) (types.UserProgress, error) {
	return withContext(ctx, func() (types.UserProgress, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := progressKey(p.UserID, p.ItemID)
		if _, ok := s.progress[key]; ok {
			return types.UserProgress{}, fmt.Errorf("%w: %s", ErrProgressExists, key)
		}
		p.Seq = len(s.userSeq[p.UserID]) + 1
		s.progress[key] = p
		s.userSeq[p.UserID] = append(s.userSeq[p.UserID], key)
		return p, nil
	})
}

// GetProgress retrieves one recorded interaction.
func (s *MemoryStorage) GetProgress(ctx context.Context, userID, itemID uint64) (types.UserProgress, error) {
	return getItem(ctx, &s.mu, s.progress, progressKey(userID, itemID), ErrProgressNotFound)
}

// UserProgress lists a user's interactions in recording order.
func (s *MemoryStorage) UserProgress(ctx context.Context, userID uint64) ([]types.UserProgress, error) {
	return withContext(ctx, func() ([]types.UserProgress, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		keys := s.userSeq[userID]
		rows := make([]types.UserProgress, 0, len(keys))
		for _, key := range keys {
			rows = append(rows, s.progress[key])
		}
		return rows, nil
	})
}
