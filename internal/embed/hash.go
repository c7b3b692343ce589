package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// HashDimensions is the embedding dimension of the hash embedder.
const HashDimensions = 384

// HashModelName is the model id the hash embedder reports.
const HashModelName = "hash-384"

// Token and n-gram weights for vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// proseStopWords are high-frequency words excluded from the token pass.
var proseStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "of": true, "to": true, "in": true, "on": true,
	"at": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "it": true, "this": true, "that": true,
	"with": true, "for": true, "as": true, "by": true, "from": true,
}

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// HashEmbedder generates deterministic embeddings using token and n-gram
// hashing. It needs no network and no model download, which makes it the
// offline runtime for tests and the CLI's --skip-embeddings-free paths.
// Semantic quality is reduced compared to a real model.
type HashEmbedder struct {
	threads int

	mu     sync.RWMutex
	closed bool
}

// NewHashEmbedder creates a new hash embedder. Batches run on a single
// thread; use HashFactory for intra-batch parallelism.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{threads: 1}
}

// HashFactory is a Factory producing isolated hash embedders. The thread
// count bounds how many batch items are hashed concurrently.
func HashFactory(threads int) (Embedder, error) {
	e := NewHashEmbedder()
	if threads > 1 {
		e.threads = threads
	}
	return e, nil
}

// Embed generates the embedding for a single text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, HashDimensions), nil
	}

	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch generates embeddings for multiple texts in input order. With
// more than one intra-op thread the items are hashed concurrently; each slot
// lands at its input index either way.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	if e.threads <= 1 || len(texts) < 2 {
		for i, text := range texts {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return nil, err
			}
			results[i] = vec
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.threads)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int { return HashDimensions }

// ModelName returns the model identifier.
func (e *HashEmbedder) ModelName() string { return HashModelName }

// Available always reports true; there is nothing to load.
func (e *HashEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *HashEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// generateVector builds the hash-based vector from tokens and character
// n-grams.
func (e *HashEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, HashDimensions)

	tokens := tokenize(text)
	for _, token := range tokens {
		if proseStopWords[token] {
			continue
		}
		vector[hashToIndex(token, HashDimensions)] += tokenWeight
	}

	normalized := strings.ToLower(text)
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ngram, HashDimensions)] += ngramWeight
	}

	return vector
}

func tokenize(text string) []string {
	raw := tokenRegex.FindAllString(strings.ToLower(text), -1)
	return raw
}

func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}
