package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// textCache is the LRU text->vector cache for candidate-scoring workloads.
// It is explicitly scoped: callers clear it between documents so one
// document's candidates never score against another's cached vectors.
type textCache struct {
	mu    sync.Mutex
	size  int
	cache *lru.Cache[string, []float32]
}

func newTextCache(size int) *textCache {
	c, _ := lru.New[string, []float32](size)
	return &textCache{size: size, cache: c}
}

// cacheKey hashes the text so keys have uniform length.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *textCache) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(cacheKey(text))
}

func (c *textCache) add(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(cacheKey(text), vec)
}

func (c *textCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh, _ := lru.New[string, []float32](c.size)
	c.cache = fresh
}

func (c *textCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
