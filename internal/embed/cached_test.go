package embed

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder delegates to the hash embedder and counts what reaches it.
type countingEmbedder struct {
	inner      *HashEmbedder
	mu         sync.Mutex
	embeds     int
	batchTexts []string
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{inner: NewHashEmbedder()}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.embeds++
	c.mu.Unlock()
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.batchTexts = append(c.batchTexts, texts...)
	c.mu.Unlock()
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int                    { return c.inner.Dimensions() }
func (c *countingEmbedder) ModelName() string                  { return c.inner.ModelName() }
func (c *countingEmbedder) Available(ctx context.Context) bool { return true }
func (c *countingEmbedder) Close() error                       { return nil }

func TestCachedEmbedHitsCache(t *testing.T) {
	counting := newCountingEmbedder()
	cached := NewCached(counting, 10)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "recurring candidate")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "recurring candidate")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.embeds, "second call must hit the cache")
}

func TestCachedEmbedBatchOnlyEmbedsMisses(t *testing.T) {
	counting := newCountingEmbedder()
	cached := NewCached(counting, 10)
	ctx := context.Background()

	warm, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	assert.Equal(t, warm, vecs[0], "cached slot must keep its position")
	assert.Equal(t, []string{"beta"}, counting.batchTexts, "only the miss reaches the inner embedder")

	direct, err := NewHashEmbedder().Embed(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, direct, vecs[1])
}

func TestCachedClearCache(t *testing.T) {
	counting := newCountingEmbedder()
	cached := NewCached(counting, 10)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, 1, cached.CacheLen())

	cached.ClearCache()
	assert.Equal(t, 0, cached.CacheLen())

	_, err = cached.Embed(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, 2, counting.embeds, "cleared cache must re-embed")
}

func TestCachedEmptyBatch(t *testing.T) {
	cached := NewCached(newCountingEmbedder(), 10)
	vecs, err := cached.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestCachedPassthrough(t *testing.T) {
	cached := NewCached(newCountingEmbedder(), 0)
	assert.Equal(t, HashDimensions, cached.Dimensions())
	assert.Equal(t, HashModelName, cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.NoError(t, cached.Close())
}
