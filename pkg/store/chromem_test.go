package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/policyqa/pkg/store"
)

func newMemoryIndex(t *testing.T) *store.ChromemIndex {
	idx, err := store.NewChromem(store.StoreConfig{IndexName: "test-index", Dimension: 3})
	require.NoError(t, err)
	return idx
}

func TestChromemLifecycle(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t)

	exists, err := idx.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = idx.Count(ctx)
	assert.ErrorIs(t, err, store.ErrIndexNotFound)

	require.NoError(t, idx.Create(ctx, 3))
	chunks, vectors := testChunks()
	require.NoError(t, idx.Add(ctx, chunks, vectors))

	exists, err = idx.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists, "not complete until marked")

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, idx.MarkComplete(ctx))
	exists, err = idx.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, idx.Drop(ctx))
	exists, err = idx.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChromemSearch(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t)
	require.NoError(t, idx.Create(ctx, 3))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 4)
	require.NoError(t, err)
	assert.Empty(t, results, "empty index returns no results")

	chunks, vectors := testChunks()
	require.NoError(t, idx.Add(ctx, chunks, vectors))

	// limit larger than the collection is clamped
	results, err = idx.Search(ctx, []float32{0.9, 0.1, 0}, 4)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "policy.pdf", results[0].Source)
	assert.Equal(t, 1, results[0].Page)
	assert.Greater(t, results[0].Score, results[1].Score)

	results, err = idx.Search(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Cosmetic procedures are excluded.", results[0].Text)
}

func TestChromemDimension(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t)
	require.NoError(t, idx.Create(ctx, 3))

	chunks, _ := testChunks()
	err := idx.Add(ctx, chunks, [][]float32{{1, 0}, {0, 1}})
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)

	_, err = idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestChromemMissingCollection(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t)
	chunks, vectors := testChunks()

	assert.ErrorIs(t, idx.Add(ctx, chunks, vectors), store.ErrIndexNotFound)
	assert.ErrorIs(t, idx.MarkComplete(ctx), store.ErrIndexNotFound)
	assert.NoError(t, idx.Drop(ctx), "dropping a missing index is a no-op")
	_, err := idx.Search(ctx, []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, store.ErrIndexNotFound)
}

func TestChromemPersistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := store.NewChromem(store.StoreConfig{IndexName: "policy-index", ChromemDir: dir, Dimension: 3})
	require.NoError(t, err)
	require.NoError(t, idx.Create(ctx, 3))
	chunks, vectors := testChunks()
	require.NoError(t, idx.Add(ctx, chunks, vectors))

	// an unfinished index reopens as missing
	reopened, err := store.NewChromem(store.StoreConfig{IndexName: "policy-index", ChromemDir: dir, Dimension: 3})
	require.NoError(t, err)
	exists, err := reopened.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, idx.MarkComplete(ctx))

	reopened, err = store.NewChromem(store.StoreConfig{IndexName: "policy-index", ChromemDir: dir, Dimension: 3})
	require.NoError(t, err)
	exists, err = reopened.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
