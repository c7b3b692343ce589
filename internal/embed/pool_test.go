package embed

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEmbedder wraps the hash embedder and records every batch it
// services. A text equal to "PANIC" crashes the worker.
type recordingEmbedder struct {
	*HashEmbedder
	mu      sync.Mutex
	batches [][]string
}

func (r *recordingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	r.mu.Lock()
	r.batches = append(r.batches, append([]string(nil), texts...))
	r.mu.Unlock()

	for _, t := range texts {
		if t == "PANIC" {
			panic("model runtime died")
		}
	}
	return r.HashEmbedder.EmbedBatch(ctx, texts)
}

func (r *recordingEmbedder) allTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func newRecordingPool(t *testing.T, cfg PoolConfig) (*Pool, *[]*recordingEmbedder) {
	t.Helper()
	var mu sync.Mutex
	var created []*recordingEmbedder

	factory := func(int) (Embedder, error) {
		e := &recordingEmbedder{HashEmbedder: NewHashEmbedder()}
		mu.Lock()
		created = append(created, e)
		mu.Unlock()
		return e, nil
	}

	pool, err := NewPool(factory, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool, &created
}

func TestPoolEmbedBatchPreservesOrder(t *testing.T) {
	pool, _ := newRecordingPool(t, PoolConfig{})

	texts := []string{"alpha document", "beta document", "gamma document"}
	vecs, err := pool.EmbedBatch(context.Background(), texts, Options{})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// The hash embedder is deterministic: each slot must match a direct
	// single embed of the same text.
	direct := NewHashEmbedder()
	for i, text := range texts {
		want, err := direct.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, vecs[i], "slot %d out of order", i)
	}
}

func TestPoolDimensionsAndModel(t *testing.T) {
	pool, _ := newRecordingPool(t, PoolConfig{})
	assert.Equal(t, HashDimensions, pool.Dimensions())
	assert.Equal(t, HashModelName, pool.ModelName())
}

func TestPoolRejectsOversizedBatch(t *testing.T) {
	pool, _ := newRecordingPool(t, PoolConfig{MaxBatch: 4})

	_, err := pool.EmbedBatch(context.Background(), make([]string, 5), Options{})
	assert.Error(t, err)
}

func TestPoolEmptyBatch(t *testing.T) {
	pool, _ := newRecordingPool(t, PoolConfig{})
	vecs, err := pool.EmbedBatch(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestPoolAppliesPrefixes(t *testing.T) {
	pool, created := newRecordingPool(t, PoolConfig{
		Workers:       1,
		QueryPrefix:   "query: ",
		PassagePrefix: "passage: ",
	})

	_, err := pool.EmbedBatch(context.Background(), []string{"find me"}, Options{Kind: KindQuery})
	require.NoError(t, err)
	_, err = pool.EmbedBatch(context.Background(), []string{"store me"}, Options{Kind: KindPassage})
	require.NoError(t, err)
	_, err = pool.EmbedBatch(context.Background(), []string{"raw"}, Options{})
	require.NoError(t, err)

	texts := (*created)[0].allTexts()
	assert.Contains(t, texts, "query: find me")
	assert.Contains(t, texts, "passage: store me")
	assert.Contains(t, texts, "raw")
}

func TestPoolSingleEmbedUsesCache(t *testing.T) {
	pool, created := newRecordingPool(t, PoolConfig{Workers: 1})

	_, err := pool.Embed(context.Background(), "candidate phrase", Options{})
	require.NoError(t, err)
	_, err = pool.Embed(context.Background(), "candidate phrase", Options{})
	require.NoError(t, err)

	assert.Len(t, (*created)[0].batches, 1, "second call must hit the cache")

	pool.ClearCache()
	_, err = pool.Embed(context.Background(), "candidate phrase", Options{})
	require.NoError(t, err)
	assert.Len(t, (*created)[0].batches, 2, "cleared cache must re-embed")
}

func TestPoolWorkerCrashIsContained(t *testing.T) {
	pool, created := newRecordingPool(t, PoolConfig{Workers: 2})

	_, err := pool.EmbedBatch(context.Background(), []string{"PANIC"}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed")

	// The pool must have spawned a replacement; subsequent batches succeed.
	require.Eventually(t, func() bool {
		_, err := pool.EmbedBatch(context.Background(), []string{"still alive"}, Options{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, len(*created), 3, "factory should have built a replacement worker")
}

func TestPoolCloseRejectsNewWork(t *testing.T) {
	pool, _ := newRecordingPool(t, PoolConfig{})
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close(), "close must be idempotent")

	_, err := pool.EmbedBatch(context.Background(), []string{"late"}, Options{})
	assert.Error(t, err)
}

func TestPoolDeadline(t *testing.T) {
	// A worker stuck behind a slow embedder must not hold the caller past
	// its deadline.
	factory := func(int) (Embedder, error) {
		return &slowEmbedder{delay: time.Second}, nil
	}
	pool, err := NewPool(factory, PoolConfig{Workers: 1})
	require.NoError(t, err)
	defer pool.Close()

	start := time.Now()
	_, err = pool.EmbedBatch(context.Background(), []string{"text"}, Options{Deadline: 50 * time.Millisecond})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type slowEmbedder struct {
	delay time.Duration
}

func (s *slowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	time.Sleep(s.delay)
	return make([]float32, HashDimensions), nil
}

func (s *slowEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	time.Sleep(s.delay)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, HashDimensions)
	}
	return out, nil
}

func (s *slowEmbedder) Dimensions() int                    { return HashDimensions }
func (s *slowEmbedder) ModelName() string                  { return "slow-test" }
func (s *slowEmbedder) Available(ctx context.Context) bool { return true }
func (s *slowEmbedder) Close() error                       { return nil }

func TestHashFactoryThreadedBatchPreservesOrder(t *testing.T) {
	threaded, err := HashFactory(4)
	require.NoError(t, err)
	sequential := NewHashEmbedder()

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = strings.Repeat("word ", i+1)
	}

	got, err := threaded.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	want, err := sequential.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, want, got, "threaded batch must match sequential order")
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder()

	a, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(context.Background(), "a completely different sentence")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHashEmbedderNormalized(t *testing.T) {
	e := NewHashEmbedder()
	vec, err := e.Embed(context.Background(), "normalize me please")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	e := NewHashEmbedder()
	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, HashDimensions)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
}

func TestSimilarTextsScoreHigher(t *testing.T) {
	e := NewHashEmbedder()
	ctx := context.Background()

	base, _ := e.Embed(ctx, "quarterly revenue grew strongly")
	near, _ := e.Embed(ctx, "quarterly revenue grew very strongly")
	far, _ := e.Embed(ctx, "penguins live in antarctica")

	assert.Greater(t, CosineSimilarity(base, near), CosineSimilarity(base, far))
}

func TestTextCacheEviction(t *testing.T) {
	c := newTextCache(2)
	c.add("a", []float32{1})
	c.add("b", []float32{2})
	c.add("c", []float32{3})

	assert.Equal(t, 2, c.len())
	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestPrefixOnlyAffectsConfiguredKinds(t *testing.T) {
	p := &Pool{cfg: PoolConfig{QueryPrefix: "q: "}.WithDefaults()}
	p.cfg.QueryPrefix = "q: "

	out := p.applyPrefix([]string{"x"}, KindQuery)
	assert.Equal(t, []string{"q: x"}, out)

	out = p.applyPrefix([]string{"x"}, KindPassage)
	assert.Equal(t, []string{"x"}, out)

	assert.True(t, strings.HasPrefix(out[0], "x"))
}
