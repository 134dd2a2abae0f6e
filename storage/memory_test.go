package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parel/contentflow/types"
	"github.com/stretchr/testify/assert"
)

// seedTaxonomy installs a category chain ending in leaf 10.
func seedTaxonomy(t *testing.T, ctx context.Context, store Storage) {
	t.Helper()
	assert.NoError(t, store.SaveNode(ctx, types.TaxonomyNode{ID: 1, Level: types.LevelCategory, Name: "Music"}))
	assert.NoError(t, store.SaveNode(ctx, types.TaxonomyNode{ID: 2, ParentID: 1, Level: types.LevelSubCategory, Name: "Genres"}))
	assert.NoError(t, store.SaveNode(ctx, types.TaxonomyNode{ID: 3, ParentID: 2, Level: types.LevelSubSubCategory, Name: "Electronic"}))
	assert.NoError(t, store.SaveLeaf(ctx, types.Leaf{ID: 10, ParentID: 3, Name: "Synthwave", Status: "pending"}))
}

func newJob(leafID uint64, runVersion, status string) types.JobRecord {
	return types.JobRecord{
		LeafID:     leafID,
		RunVersion: runVersion,
		Status:     status,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.leaves)
		assert.Empty(t, store.jobs)
		assert.Empty(t, store.progress)
	})

	t.Run("SaveAndGetLeaf", func(t *testing.T) {
		store := NewMemoryStorage()
		seedTaxonomy(t, ctx, store)

		leaf, err := store.GetLeaf(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, "Synthwave", leaf.Name)

		_, err = store.GetLeaf(ctx, 99)
		assert.ErrorIs(t, err, ErrLeafNotFound)
	})

	t.Run("LeafPath", func(t *testing.T) {
		store := NewMemoryStorage()
		seedTaxonomy(t, ctx, store)

		path, err := store.LeafPath(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, []string{"Music", "Genres", "Electronic", "Synthwave"}, path)

		_, err = store.LeafPath(ctx, 99)
		assert.ErrorIs(t, err, ErrLeafNotFound)
	})

	t.Run("LeafPathBrokenChain", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NoError(t, store.SaveLeaf(ctx, types.Leaf{ID: 10, ParentID: 7, Name: "Orphan"}))

		_, err := store.LeafPath(ctx, 10)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("LeafPathCyclicChain", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NoError(t, store.SaveNode(ctx, types.TaxonomyNode{ID: 1, ParentID: 2, Name: "A"}))
		assert.NoError(t, store.SaveNode(ctx, types.TaxonomyNode{ID: 2, ParentID: 1, Name: "B"}))
		assert.NoError(t, store.SaveLeaf(ctx, types.Leaf{ID: 10, ParentID: 1, Name: "Loop"}))

		_, err := store.LeafPath(ctx, 10)
		assert.Error(t, err)
	})

	t.Run("SaveGetDeleteJob", func(t *testing.T) {
		store := NewMemoryStorage()

		job := newJob(10, "v1", "pending")
		assert.NoError(t, store.SaveJob(ctx, job))

		got, err := store.GetJob(ctx, 10, "v1")
		assert.NoError(t, err)
		assert.Equal(t, job, got)

		_, err = store.GetJob(ctx, 10, "v2")
		assert.ErrorIs(t, err, ErrJobNotFound)

		assert.NoError(t, store.DeleteJob(ctx, 10, "v1"))
		_, err = store.GetJob(ctx, 10, "v1")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("LeafJobs", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NoError(t, store.SaveJob(ctx, newJob(10, "v1", "failed")))
		assert.NoError(t, store.SaveJob(ctx, newJob(10, "v2", "success")))
		assert.NoError(t, store.SaveJob(ctx, newJob(11, "v1", "pending")))

		jobs, err := store.LeafJobs(ctx, 10)
		assert.NoError(t, err)
		assert.Len(t, jobs, 2)
		for _, job := range jobs {
			assert.Equal(t, uint64(10), job.LeafID)
		}
	})

	t.Run("CompleteJob", func(t *testing.T) {
		store := NewMemoryStorage()
		seedTaxonomy(t, ctx, store)
		assert.NoError(t, store.SaveJob(ctx, newJob(10, "v1", "generating")))

		job := newJob(10, "v1", "success")
		job.CompletedAt = time.Now().UnixMilli()
		leaf, _ := store.GetLeaf(ctx, 10)
		leaf.Status = "success"
		items := []types.ContentItem{
			{ID: 100, LeafID: 10, Text: "What draws you to synthwave?"},
			{ID: 101, LeafID: 10, Text: "Favorite synthwave artist?"},
		}

		assert.NoError(t, store.CompleteJob(ctx, job, leaf, items))

		got, err := store.GetJob(ctx, 10, "v1")
		assert.NoError(t, err)
		assert.Equal(t, "success", got.Status)

		updated, err := store.GetLeaf(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, "success", updated.Status)

		stored, err := store.ItemsByLeaf(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, items, stored)

		item, err := store.GetItem(ctx, 100)
		assert.NoError(t, err)
		assert.Equal(t, "What draws you to synthwave?", item.Text)
	})

	t.Run("ItemsByLeafKeepsInsertionOrder", func(t *testing.T) {
		store := NewMemoryStorage()
		first := []types.ContentItem{{ID: 3, LeafID: 10, Text: "c"}, {ID: 1, LeafID: 10, Text: "a"}}
		second := []types.ContentItem{{ID: 2, LeafID: 10, Text: "b"}}
		assert.NoError(t, store.CompleteJob(ctx, newJob(10, "v1", "success"), types.Leaf{ID: 10}, first))
		assert.NoError(t, store.CompleteJob(ctx, newJob(10, "v2", "success"), types.Leaf{ID: 10}, second))

		items, err := store.ItemsByLeaf(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, []uint64{3, 1, 2}, []uint64{items[0].ID, items[1].ID, items[2].ID})
	})

	t.Run("SaveAndGetFlow", func(t *testing.T) {
		store := NewMemoryStorage()
		f := types.Flow{
			ID:          100,
			Name:        "intro",
			StartStepID: 1,
			Steps:       []types.Step{{ID: 1, FlowID: 100, Order: 1, ItemID: 100}},
		}
		assert.NoError(t, store.SaveFlow(ctx, f))

		got, err := store.GetFlow(ctx, 100)
		assert.NoError(t, err)
		assert.Equal(t, f, got)

		_, err = store.GetFlow(ctx, 999)
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("CreateProgressAssignsSequence", func(t *testing.T) {
		store := NewMemoryStorage()

		first, err := store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 100})
		assert.NoError(t, err)
		assert.Equal(t, 1, first.Seq)

		second, err := store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 101, Skipped: true})
		assert.NoError(t, err)
		assert.Equal(t, 2, second.Seq)

		// A different user has an independent sequence.
		other, err := store.CreateProgress(ctx, types.UserProgress{UserID: 8, ItemID: 100})
		assert.NoError(t, err)
		assert.Equal(t, 1, other.Seq)
	})

	t.Run("CreateProgressRejectsDuplicate", func(t *testing.T) {
		store := NewMemoryStorage()

		_, err := store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 100})
		assert.NoError(t, err)

		_, err = store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 100, Skipped: true})
		assert.ErrorIs(t, err, ErrProgressExists)
	})

	t.Run("UserProgressOrder", func(t *testing.T) {
		store := NewMemoryStorage()
		for i, itemID := range []uint64{103, 101, 102} {
			_, err := store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: itemID, Skipped: i == 1})
			assert.NoError(t, err)
		}

		rows, err := store.UserProgress(ctx, 7)
		assert.NoError(t, err)
		assert.Len(t, rows, 3)
		assert.Equal(t, uint64(103), rows[0].ItemID)
		assert.Equal(t, uint64(101), rows[1].ItemID)
		assert.True(t, rows[1].Skipped)
		assert.Equal(t, uint64(102), rows[2].ItemID)

		got, err := store.GetProgress(ctx, 7, 101)
		assert.NoError(t, err)
		assert.Equal(t, 2, got.Seq)

		_, err = store.GetProgress(ctx, 7, 999)
		assert.ErrorIs(t, err, ErrProgressNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		store := NewMemoryStorage()
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, store.SaveLeaf(canceled, types.Leaf{ID: 10}), context.Canceled)
		_, err := store.GetLeaf(canceled, 10)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryStorage()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				leafID := uint64(i)
				assert.NoError(t, store.SaveLeaf(ctx, types.Leaf{ID: leafID, Name: fmt.Sprintf("leaf-%d", i)}))
				assert.NoError(t, store.SaveJob(ctx, newJob(leafID, "v1", "pending")))
				_, err := store.GetLeaf(ctx, leafID)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		jobs, err := store.LeafJobs(ctx, 3)
		assert.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}
