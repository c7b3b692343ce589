// Package embed provides the embedding contract and the worker pool that
// services batched embed requests for the indexing pipeline.
package embed

import (
	"context"
	"math"
	"time"
)

// Batch and pool limits.
const (
	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size.
	MaxBatchSize = 128

	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// DefaultWorkers is the default number of pool workers.
	DefaultWorkers = 2

	// DefaultThreads is the default intra-op thread count per worker.
	DefaultThreads = 2

	// DefaultQueueThreshold is the queue depth above which round-robin
	// routing skips to the shortest queue.
	DefaultQueueThreshold = 5

	// DefaultShutdownTimeout bounds the drain of in-flight tasks on Close.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultCacheSize is the capacity of the text->vector LRU cache used
	// by candidate-scoring workloads.
	DefaultCacheSize = 500
)

// TextKind selects the prefix prepended before dispatch for models that
// distinguish queries from passages.
type TextKind string

const (
	KindPassage TextKind = "passage"
	KindQuery   TextKind = "query"
)

// Options configure a single embed call.
type Options struct {
	// Kind selects the query/passage prefix. Empty means no prefix.
	Kind TextKind

	// Deadline, when non-zero, bounds this call.
	Deadline time.Duration
}

// Embedder generates vector embeddings for text. Each pool worker owns an
// isolated instance that loads its model once at start.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving input
	// order; the result count always matches the input count.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Factory creates one isolated Embedder instance. The pool calls it once per
// worker (and again when replacing a crashed worker), passing the worker's
// intra-op thread count.
type Factory func(threads int) (Embedder, error)

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// CosineSimilarity computes the cosine similarity of two vectors. Returns 0
// for mismatched or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
