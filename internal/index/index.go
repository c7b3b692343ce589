// Package index maintains the in-memory vector index: (vector, chunk
// metadata) tuples answering top-k cosine queries, scoped by folder, with
// atomic persistence and rebuild from the embedding store.
package index

import (
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	"github.com/foldermcp/foldermcp/internal/errors"
)

// Entry is the metadata stored alongside each vector.
type Entry struct {
	InternalID uint64 `json:"internalId"`
	OwnerHash  string `json:"ownerHash"`
	ChunkIndex int    `json:"chunkIndex"`
	FolderPath string `json:"folderPath"`
	ModelID    string `json:"modelId"`
}

// Result is one search hit. Score is the raw cosine similarity used by
// ranking paths; Relevance is the client-facing normalisation in [0,1].
type Result struct {
	Entry     Entry
	Score     float64
	Relevance float64
}

// Index is a per-folder vector index over an HNSW graph. Reads run
// concurrently; building and removal take the write lock.
type Index struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	entries    map[uint64]Entry
	byOwner    map[string][]uint64
	nextID     uint64
	dimensions int
	modelID    string
	folderPath string
}

// Config describes the index identity.
type Config struct {
	FolderPath string
	ModelID    string
	Dimensions int
}

// New creates an empty index for one folder.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "index dimensions must be positive, got %d", cfg.Dimensions)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &Index{
		graph:      graph,
		entries:    make(map[uint64]Entry),
		byOwner:    make(map[string][]uint64),
		dimensions: cfg.Dimensions,
		modelID:    cfg.ModelID,
		folderPath: cfg.FolderPath,
	}, nil
}

// FolderPath returns the folder this index serves.
func (ix *Index) FolderPath() string { return ix.folderPath }

// ModelID returns the embedding model id.
func (ix *Index) ModelID() string { return ix.modelID }

// Dimensions returns the vector dimension.
func (ix *Index) Dimensions() int { return ix.dimensions }

// Add inserts one vector for (ownerHash, chunkIndex). An existing entry for
// the same coordinates is lazily replaced: the stale graph node is orphaned
// rather than deleted, which sidesteps delete instability in the graph
// implementation; orphans are dropped on the next Save/Load cycle.
func (ix *Index) Add(ownerHash string, chunkIndex int, vector []float32) error {
	if len(vector) != ix.dimensions {
		return errors.Newf(errors.ErrCodeDimensionMismatch,
			"vector has %d dimensions, index expects %d", len(vector), ix.dimensions)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// Orphan any previous entry at the same coordinates.
	for _, id := range ix.byOwner[ownerHash] {
		if e, ok := ix.entries[id]; ok && e.ChunkIndex == chunkIndex {
			delete(ix.entries, id)
		}
	}

	id := ix.nextID
	ix.nextID++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	ix.graph.Add(hnsw.MakeNode(id, vec))
	ix.entries[id] = Entry{
		InternalID: id,
		OwnerHash:  ownerHash,
		ChunkIndex: chunkIndex,
		FolderPath: ix.folderPath,
		ModelID:    ix.modelID,
	}
	ix.byOwner[ownerHash] = append(ix.byOwner[ownerHash], id)
	return nil
}

// Build bulk-loads embeddings with their metadata. Lengths must match.
func (ix *Index) Build(vectors [][]float32, owners []string, chunkIndexes []int) error {
	if len(vectors) != len(owners) || len(vectors) != len(chunkIndexes) {
		return fmt.Errorf("build length mismatch: %d vectors, %d owners, %d indexes",
			len(vectors), len(owners), len(chunkIndexes))
	}
	for i := range vectors {
		if err := ix.Add(owners[i], chunkIndexes[i], vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOwner drops every entry belonging to a content hash.
func (ix *Index) RemoveOwner(ownerHash string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, id := range ix.byOwner[ownerHash] {
		delete(ix.entries, id)
	}
	delete(ix.byOwner, ownerHash)
}

// Count returns the number of live entries.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Owners returns the set of content hashes present in the index.
func (ix *Index) Owners() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	owners := make([]string, 0, len(ix.byOwner))
	for h, ids := range ix.byOwner {
		live := false
		for _, id := range ids {
			if _, ok := ix.entries[id]; ok {
				live = true
				break
			}
		}
		if live {
			owners = append(owners, h)
		}
	}
	return owners
}

// Search returns up to topK results with Relevance >= threshold, ordered by
// descending score. The threshold is in normalised [0,1] relevance space.
func (ix *Index) Search(query []float32, topK int, threshold float64) ([]Result, error) {
	if len(query) != ix.dimensions {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"query has %d dimensions, index expects %d", len(query), ix.dimensions)
	}
	if topK <= 0 {
		topK = 10
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return []Result{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Over-fetch to absorb orphaned nodes filtered below.
	fetch := topK * 2
	if fetch < topK+8 {
		fetch = topK + 8
	}

	nodes := ix.graph.Search(q, fetch)

	results := make([]Result, 0, topK)
	for _, node := range nodes {
		entry, ok := ix.entries[node.Key]
		if !ok {
			continue // orphaned by replacement or removal
		}

		cos := 1 - float64(ix.graph.Distance(q, node.Value))
		rel := NormalizeScore(cos)
		if rel < threshold {
			continue
		}

		results = append(results, Result{Entry: entry, Score: cos, Relevance: rel})
		if len(results) >= topK {
			break
		}
	}
	return results, nil
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
