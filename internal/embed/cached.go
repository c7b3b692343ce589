package embed

import "context"

// Cached wraps an Embedder with the candidate-scoring LRU cache: n-gram
// candidates recur across a document's chunks, so each distinct text embeds
// once. The cache is scoped to this wrapper; ClearCache resets it between
// documents so one document's candidates never score against another's.
type Cached struct {
	inner Embedder
	cache *textCache
}

// NewCached wraps inner with a text->vector cache of the given capacity
// (DefaultCacheSize when size <= 0).
func NewCached(inner Embedder, size int) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cached{inner: inner, cache: newTextCache(size)}
}

// Embed returns the cached vector when present, otherwise computes through
// the inner embedder and caches the result.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.add(text, vec)
	return vec, nil
}

// EmbedBatch checks each text separately and embeds only the misses in one
// inner batch, preserving input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.cache.get(text); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		results[i] = vecs[j]
		c.cache.add(texts[i], vecs[j])
	}
	return results, nil
}

// ClearCache drops every cached vector.
func (c *Cached) ClearCache() {
	c.cache.clear()
}

// CacheLen reports the number of cached vectors.
func (c *Cached) CacheLen() int {
	return c.cache.len()
}

func (c *Cached) Dimensions() int                    { return c.inner.Dimensions() }
func (c *Cached) ModelName() string                  { return c.inner.ModelName() }
func (c *Cached) Available(ctx context.Context) bool { return c.inner.Available(ctx) }
func (c *Cached) Close() error                       { return c.inner.Close() }
