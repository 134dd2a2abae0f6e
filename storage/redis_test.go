package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/parel/contentflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStorage(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("NewRedisStorage", func(t *testing.T) {
		store := newRedisStorage(t)
		assert.NotNil(t, store)
		assert.NotNil(t, store.client)

		_, err := NewRedisStorage(RedisOptions{Addr: "invalid:6379"})
		assert.Error(t, err)
	})

	t.Run("SaveAndGetLeaf", func(t *testing.T) {
		store := newRedisStorage(t)
		seedTaxonomy(t, ctx, store)

		leaf, err := store.GetLeaf(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, "Synthwave", leaf.Name)
		assert.Equal(t, "pending", leaf.Status)

		_, err = store.GetLeaf(ctx, 99)
		assert.ErrorIs(t, err, ErrLeafNotFound)
	})

	t.Run("LeafPath", func(t *testing.T) {
		store := newRedisStorage(t)
		seedTaxonomy(t, ctx, store)

		path, err := store.LeafPath(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, []string{"Music", "Genres", "Electronic", "Synthwave"}, path)
	})

	t.Run("SaveGetDeleteJob", func(t *testing.T) {
		store := newRedisStorage(t)

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
		store := newRedisStorage(t)
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
		store := newRedisStorage(t)
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
	})

	t.Run("SaveAndGetFlow", func(t *testing.T) {
		store := newRedisStorage(t)
		f := types.Flow{
			ID:          100,
			Name:        "intro",
			StartStepID: 1,
			Steps:       []types.Step{{ID: 1, FlowID: 100, Order: 1, ItemID: 100}},
			Links:       []types.Link{},
		}
		assert.NoError(t, store.SaveFlow(ctx, f))

		got, err := store.GetFlow(ctx, 100)
		assert.NoError(t, err)
		assert.Equal(t, f.ID, got.ID)
		assert.Equal(t, f.Steps, got.Steps)

		_, err = store.GetFlow(ctx, 999)
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("CreateProgress", func(t *testing.T) {
		store := newRedisStorage(t)

		first, err := store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 100, AnsweredAt: time.Now().UnixMilli()})
		assert.NoError(t, err)
		assert.Equal(t, 1, first.Seq)

		second, err := store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 101, Skipped: true})
		assert.NoError(t, err)
		assert.Equal(t, 2, second.Seq)

		_, err = store.CreateProgress(ctx, types.UserProgress{UserID: 7, ItemID: 100})
		assert.ErrorIs(t, err, ErrProgressExists)

		rows, err := store.UserProgress(ctx, 7)
		assert.NoError(t, err)
		assert.Len(t, rows, 2)
		assert.Equal(t, uint64(100), rows[0].ItemID)
		assert.True(t, rows[1].Skipped)

		got, err := store.GetProgress(ctx, 7, 101)
		assert.NoError(t, err)
		assert.Equal(t, 2, got.Seq)
	})
}
