package cmd

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/foldermcp/foldermcp/internal/chunk"
	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/content"
	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/fingerprint"
	"github.com/foldermcp/foldermcp/internal/index"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/store"
)

// The pipeline commands operate on one folder without the daemon, using the
// builtin hash embedder. They share the store layout with the daemon, so a
// folder indexed here is immediately servable once added to the fleet.

// includeFile is the scan filter: supported document types only, default
// excludes applied, the cache directory skipped.
func includeFile(rel string, _ fs.FileInfo) bool {
	if rel == store.CacheDirName || strings.HasPrefix(rel, store.CacheDirName+"/") {
		return false
	}
	for _, pattern := range config.DefaultExcludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	_, ok := content.Detect(rel)
	return ok
}

func newPipelinePool(batchSize int) (*embed.Pool, error) {
	return embed.NewPool(embed.HashFactory, embed.PoolConfig{MaxBatch: batchSize})
}

// scanFolder parses and chunks every new or changed document and drops
// records for files that no longer exist. Returns (added, removed).
func scanFolder(st *store.Store, folder string, log *slog.Logger) (int, int, error) {
	fps, err := fingerprint.Dir(folder, includeFile)
	if err != nil {
		return 0, 0, err
	}
	existing, err := st.Fingerprints()
	if err != nil {
		return 0, 0, err
	}

	added := 0
	live := make(map[string]bool, len(fps))
	for rel, fp := range fps {
		live[fp.Hash] = true
		if st.HasDocument(fp.Hash) {
			continue
		}
		doc, err := content.Parse(filepath.Join(folder, filepath.FromSlash(rel)))
		if err != nil {
			log.Warn("skipping unparseable document", slog.String("path", rel), slog.Any("error", err))
			continue
		}
		chunks := chunk.Split(doc, fp.Hash, chunk.Options{})
		rec := store.DocumentRecord{
			Fingerprint:  *fp,
			DocumentType: doc.Type,
			Content:      doc.Text,
			Chunks:       make([]chunk.Chunk, 0, len(chunks)),
			SavedAt:      time.Now(),
		}
		tokens := 0
		for _, c := range chunks {
			rec.Chunks = append(rec.Chunks, *c)
			tokens += c.TokenCount
		}
		rec.Stats = store.ChunkingStats{TotalChunks: len(chunks), TotalTokens: tokens}
		if len(chunks) > 0 {
			rec.Stats.AverageTokens = float64(tokens) / float64(len(chunks))
		}
		if err := st.SaveDocument(rec); err != nil {
			return added, 0, err
		}
		added++
	}

	removed := 0
	for hash := range existing {
		if live[hash] {
			continue
		}
		if err := st.RemoveDocument(hash); err != nil {
			log.Warn("removing stale document", slog.String("hash", hash), slog.Any("error", err))
			continue
		}
		removed++
	}
	return added, removed, nil
}

// embedFolder generates vectors for every chunk lacking one (all chunks when
// force). Returns the number of embeddings written.
func embedFolder(ctx context.Context, st *store.Store, pool *embed.Pool, force bool) (int, error) {
	hashes, err := st.Documents()
	if err != nil {
		return 0, err
	}

	written := 0
	backend := modelBackend(pool.ModelName())
	for _, hash := range hashes {
		rec, err := st.LoadDocument(hash)
		if err != nil {
			continue
		}

		var pending []chunk.Chunk
		var texts []string
		for _, c := range rec.Chunks {
			if !force && st.HasEmbedding(hash, c.ChunkIndex) {
				continue
			}
			pending = append(pending, c)
			texts = append(texts, c.Content)
		}
		if len(pending) == 0 {
			continue
		}

		vectors, err := pool.EmbedBatch(ctx, texts, embed.Options{Kind: embed.KindPassage})
		if err != nil {
			return written, err
		}

		now := time.Now()
		for i, c := range pending {
			err := st.SaveEmbedding(hash, store.EmbeddingRecord{
				Chunk: c,
				Embedding: store.EmbeddingPayload{
					Vector:     vectors[i],
					Dimensions: pool.Dimensions(),
					Model:      pool.ModelName(),
					CreatedAt:  now,
				},
				GeneratedAt:  now,
				Model:        pool.ModelName(),
				ModelBackend: backend,
			})
			if err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// buildFolderIndex rebuilds the vector index from the embedding store and
// persists it. Returns the index and the number of vectors it holds.
func buildFolderIndex(st *store.Store, modelID string, dims int) (*index.Index, int, error) {
	all, err := st.AllVectors()
	if err != nil {
		return nil, 0, err
	}

	var vecs [][]float32
	var owners []string
	var chunkIdx []int
	for _, v := range all {
		if v.Model != modelID {
			continue
		}
		vecs = append(vecs, v.Vector)
		owners = append(owners, v.OwnerHash)
		chunkIdx = append(chunkIdx, v.ChunkIndex)
	}

	ix, err := index.New(index.Config{FolderPath: st.FolderPath(), ModelID: modelID, Dimensions: dims})
	if err != nil {
		return nil, 0, err
	}
	if err := ix.Build(vecs, owners, chunkIdx); err != nil {
		return nil, 0, err
	}
	if err := ix.Save(st.VectorsDir()); err != nil {
		return nil, 0, err
	}
	return ix, len(vecs), nil
}

// loadFolderIndex restores the persisted index, rebuilding from the
// embedding store when the files are missing or torn.
func loadFolderIndex(st *store.Store, modelID string, dims int) (*index.Index, error) {
	cfg := index.Config{FolderPath: st.FolderPath(), ModelID: modelID, Dimensions: dims}
	return index.LoadOrRebuild(st.VectorsDir(), cfg, func() ([]index.VectorRecord, error) {
		all, err := st.AllVectors()
		if err != nil {
			return nil, err
		}
		var out []index.VectorRecord
		for _, v := range all {
			if v.Model != modelID {
				continue
			}
			out = append(out, index.VectorRecord{
				OwnerHash:  v.OwnerHash,
				ChunkIndex: v.ChunkIndex,
				Vector:     v.Vector,
			})
		}
		return out, nil
	})
}

func modelBackend(modelID string) string {
	if m, ok := models.Get(modelID); ok {
		return string(m.Backend)
	}
	return string(models.BackendCPU)
}
