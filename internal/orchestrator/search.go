package orchestrator

import (
	"context"
	"time"

	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/errors"
	"github.com/foldermcp/foldermcp/internal/index"
	"github.com/foldermcp/foldermcp/internal/store"
)

// SearchHit is one grouped document hit with its contributing chunks.
type SearchHit struct {
	FolderPath   string       `json:"folderPath"`
	RelativePath string       `json:"relativePath"`
	DocumentType string       `json:"documentType"`
	Relevance    float64      `json:"relevance"`
	Chunks       []ChunkMatch `json:"chunks"`
}

// ChunkMatch is one chunk contributing to a document hit. Context is the
// chunk expanded with the adjacent paragraphs. PageNumber is set for paged
// formats only.
type ChunkMatch struct {
	ChunkIndex int      `json:"chunkIndex"`
	PageNumber int      `json:"pageNumber,omitempty"`
	Relevance  float64  `json:"relevance"`
	Snippet    string   `json:"snippet,omitempty"`
	Context    string   `json:"context,omitempty"`
	KeyPhrases []string `json:"keyPhrases,omitempty"`
}

// SearchOptions tune one search call.
type SearchOptions struct {
	TopK           int
	Threshold      float64
	IncludeContent bool
}

// SearchStats reports how a search executed.
type SearchStats struct {
	Duration          time.Duration `json:"-"`
	DocumentsSearched int           `json:"documentsSearched"`
	TotalResults      int           `json:"totalResults"`
	ModelUsed         string        `json:"modelUsed"`
}

// SearchResponse is the full search result.
type SearchResponse struct {
	Hits  []SearchHit `json:"hits"`
	Stats SearchStats `json:"stats"`
}

// SearchFolder embeds the query with the folder's model and returns grouped
// document hits.
func (o *Orchestrator) SearchFolder(ctx context.Context, folderPath, query string, opts SearchOptions) (*SearchResponse, error) {
	o.mu.Lock()
	mf, ok := o.folders[folderPath]
	o.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidPath, "folder not managed: %s", folderPath)
	}

	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	start := time.Now()

	vec, err := mf.pool.Embed(ctx, query, embed.Options{Kind: embed.KindQuery})
	if err != nil {
		return nil, err
	}

	// Over-fetch so grouping still fills TopK documents after the per-document
	// cap and adjacency dedupe.
	raw, err := mf.index.Search(vec, opts.TopK*4, opts.Threshold)
	if err != nil {
		return nil, err
	}

	hits, err := o.assemble(mf, index.GroupResults(raw), opts)
	if err != nil {
		return nil, err
	}
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}

	total := 0
	for _, h := range hits {
		total += len(h.Chunks)
	}
	return &SearchResponse{
		Hits: hits,
		Stats: SearchStats{
			Duration:          time.Since(start),
			DocumentsSearched: mf.index.Count(),
			TotalResults:      total,
			ModelUsed:         mf.cfg.Model,
		},
	}, nil
}

// assemble resolves grouped index hits against the cache store: relative
// paths, snippets, expanded context and key phrases.
func (o *Orchestrator) assemble(mf *managedFolder, groups []index.Group, opts SearchOptions) ([]SearchHit, error) {
	docs := make(map[string]store.DocumentRecord)
	phrases := make(map[string]map[int][]string)

	hits := make([]SearchHit, 0, len(groups))
	for _, g := range groups {
		doc, ok := docs[g.OwnerHash]
		if !ok {
			loaded, err := mf.store.LoadDocument(g.OwnerHash)
			if err != nil {
				// The document may have been removed between index search and
				// assembly; skip the stale hit.
				o.log.Debug("search hit without document record", "hash", g.OwnerHash)
				continue
			}
			doc = loaded
			docs[g.OwnerHash] = doc
		}

		hit := SearchHit{
			FolderPath:   mf.cfg.Path,
			RelativePath: doc.Fingerprint.RelativePath,
			DocumentType: string(doc.DocumentType),
			Relevance:    index.NormalizeScore(g.MaxScore),
		}

		for _, r := range g.Results {
			match := ChunkMatch{
				ChunkIndex: r.Entry.ChunkIndex,
				PageNumber: chunkPage(doc, r.Entry.ChunkIndex),
				Relevance:  r.Relevance,
			}
			if opts.IncludeContent {
				match.Snippet = chunkContent(doc, r.Entry.ChunkIndex)
				match.Context = index.ExpandContext(
					chunkContent(doc, r.Entry.ChunkIndex-1),
					match.Snippet,
					chunkContent(doc, r.Entry.ChunkIndex+1),
				)
				match.KeyPhrases = o.chunkPhrases(mf, phrases, g.OwnerHash, r.Entry.ChunkIndex)
			}
			hit.Chunks = append(hit.Chunks, match)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// chunkPhrases returns the stored key phrases for a chunk, loading each
// document's semantics at most once.
func (o *Orchestrator) chunkPhrases(mf *managedFolder, cache map[string]map[int][]string, hash string, idx int) []string {
	byIdx, ok := cache[hash]
	if !ok {
		byIdx = make(map[int][]string)
		rows, err := mf.db.ChunkSemantics(hash)
		if err != nil {
			o.log.Debug("loading chunk semantics", "hash", hash, "error", err)
		} else {
			for _, row := range rows {
				byIdx[row.ChunkIndex] = row.KeyPhrases
			}
		}
		cache[hash] = byIdx
	}
	return byIdx[idx]
}

func chunkContent(doc store.DocumentRecord, idx int) string {
	if idx < 0 || idx >= len(doc.Chunks) {
		return ""
	}
	return doc.Chunks[idx].Content
}

func chunkPage(doc store.DocumentRecord, idx int) int {
	if idx < 0 || idx >= len(doc.Chunks) {
		return 0
	}
	return doc.Chunks[idx].Coordinates.Page
}
