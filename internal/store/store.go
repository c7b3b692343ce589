// Package store is the on-disk cache kept inside each watched folder. It is
// content-addressed: chunk metadata lives under metadata/{hash}.json and
// vectors under embeddings/{hash}_chunk_{index}.json, so two files with
// identical bytes share one cache entry. Every write is temp-file + rename.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foldermcp/foldermcp/internal/chunk"
	"github.com/foldermcp/foldermcp/internal/content"
	"github.com/foldermcp/foldermcp/internal/errors"
	"github.com/foldermcp/foldermcp/internal/fingerprint"
)

const (
	// CacheDirName is the hidden per-folder cache directory.
	CacheDirName = ".folder-mcp"

	metadataDirName   = "metadata"
	embeddingsDirName = "embeddings"
	vectorsDirName    = "vectors"
	dbFileName        = "embeddings.db"
)

// ChunkingStats summarises one document's chunking run.
type ChunkingStats struct {
	TotalChunks   int     `json:"totalChunks"`
	TotalTokens   int     `json:"totalTokens"`
	AverageTokens float64 `json:"averageTokens"`
}

// DocumentRecord is the metadata plane: one entry per content hash holding
// the chunk list with extraction coordinates plus the parsed content.
type DocumentRecord struct {
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint"`
	DocumentType content.DocumentType    `json:"documentType"`
	Content      string                  `json:"content"`
	Chunks       []chunk.Chunk           `json:"chunks"`
	Stats        ChunkingStats           `json:"chunkingStats"`
	SavedAt      time.Time               `json:"savedAt"`
}

// EmbeddingPayload is the vector with its model tag.
type EmbeddingPayload struct {
	Vector     []float32 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EmbeddingRecord is the embeddings plane: one entry per (hash, chunkIndex).
type EmbeddingRecord struct {
	Chunk        chunk.Chunk      `json:"chunk"`
	Embedding    EmbeddingPayload `json:"embedding"`
	GeneratedAt  time.Time        `json:"generatedAt"`
	Model        string           `json:"model"`
	ModelBackend string           `json:"modelBackend"`
}

// VectorRecord is the flat view handed to index rebuilds.
type VectorRecord struct {
	OwnerHash  string
	ChunkIndex int
	Vector     []float32
	Model      string
}

// Store manages the cache directory of one watched folder.
type Store struct {
	folderPath string
	root       string
}

// Open prepares the cache directory under folderPath, creating it on first
// use.
func Open(folderPath string) (*Store, error) {
	root := filepath.Join(folderPath, CacheDirName)
	for _, sub := range []string{metadataDirName, embeddingsDirName, vectorsDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeFileWrite, "creating cache directory")
		}
	}
	return &Store{folderPath: folderPath, root: root}, nil
}

// FolderPath returns the watched folder this cache belongs to.
func (s *Store) FolderPath() string { return s.folderPath }

// Root returns the cache directory path.
func (s *Store) Root() string { return s.root }

// VectorsDir returns the directory holding the index snapshot.
func (s *Store) VectorsDir() string { return filepath.Join(s.root, vectorsDirName) }

// DBPath returns the path of the structured semantic store.
func (s *Store) DBPath() string { return filepath.Join(s.root, dbFileName) }

func (s *Store) metadataPath(hash string) string {
	return filepath.Join(s.root, metadataDirName, hash+".json")
}

func (s *Store) embeddingPath(hash string, chunkIndex int) string {
	return filepath.Join(s.root, embeddingsDirName, fmt.Sprintf("%s_chunk_%d.json", hash, chunkIndex))
}

// SaveDocument writes the metadata entry for rec's content hash.
func (s *Store) SaveDocument(rec DocumentRecord) error {
	if rec.Fingerprint.Hash == "" {
		return errors.New(errors.ErrCodeInvalidInput, "document record has no content hash")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	return writeJSONAtomic(s.metadataPath(rec.Fingerprint.Hash), rec)
}

// LoadDocument reads the metadata entry for a content hash.
func (s *Store) LoadDocument(hash string) (DocumentRecord, error) {
	var rec DocumentRecord
	data, err := os.ReadFile(s.metadataPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, errors.Wrap(err, errors.ErrCodeFileNotFound, "document not in cache")
		}
		return rec, errors.Wrap(err, errors.ErrCodeCorruptCache, "reading document metadata")
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrap(err, errors.ErrCodeCorruptCache, "parsing document metadata")
	}
	return rec, nil
}

// HasDocument reports whether a content hash is cached.
func (s *Store) HasDocument(hash string) bool {
	_, err := os.Stat(s.metadataPath(hash))
	return err == nil
}

// SaveEmbedding writes one (hash, chunkIndex) vector entry.
func (s *Store) SaveEmbedding(hash string, rec EmbeddingRecord) error {
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = time.Now().UTC()
	}
	if rec.Embedding.CreatedAt.IsZero() {
		rec.Embedding.CreatedAt = rec.GeneratedAt
	}
	rec.Embedding.Dimensions = len(rec.Embedding.Vector)
	return writeJSONAtomic(s.embeddingPath(hash, rec.Chunk.ChunkIndex), rec)
}

// LoadEmbedding reads one (hash, chunkIndex) vector entry.
func (s *Store) LoadEmbedding(hash string, chunkIndex int) (EmbeddingRecord, error) {
	var rec EmbeddingRecord
	data, err := os.ReadFile(s.embeddingPath(hash, chunkIndex))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, errors.Wrap(err, errors.ErrCodeFileNotFound, "embedding not in cache")
		}
		return rec, errors.Wrap(err, errors.ErrCodeCorruptCache, "reading embedding")
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrap(err, errors.ErrCodeCorruptCache, "parsing embedding")
	}
	return rec, nil
}

// HasEmbedding reports whether a (hash, chunkIndex) vector is cached.
func (s *Store) HasEmbedding(hash string, chunkIndex int) bool {
	_, err := os.Stat(s.embeddingPath(hash, chunkIndex))
	return err == nil
}

// RemoveDocument drops a content hash from both planes.
func (s *Store) RemoveDocument(hash string) error {
	if err := os.Remove(s.metadataPath(hash)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "removing document metadata")
	}

	embDir := filepath.Join(s.root, embeddingsDirName)
	names, err := os.ReadDir(embDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "listing embeddings")
	}
	prefix := hash + "_chunk_"
	for _, entry := range names {
		if strings.HasPrefix(entry.Name(), prefix) {
			if err := os.Remove(filepath.Join(embDir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, errors.ErrCodeFileWrite, "removing embedding")
			}
		}
	}
	return nil
}

// Documents returns every cached content hash.
func (s *Store) Documents() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, metadataDirName))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptCache, "listing document metadata")
	}
	hashes := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".json") {
			hashes = append(hashes, strings.TrimSuffix(name, ".json"))
		}
	}
	return hashes, nil
}

// Fingerprints returns the cached fingerprint per content hash. This is the
// db side of the scan comparison: entries whose file no longer exists on
// disk become Remove tasks.
func (s *Store) Fingerprints() (map[string]fingerprint.Fingerprint, error) {
	hashes, err := s.Documents()
	if err != nil {
		return nil, err
	}
	out := make(map[string]fingerprint.Fingerprint, len(hashes))
	for _, hash := range hashes {
		rec, err := s.LoadDocument(hash)
		if err != nil {
			return nil, err
		}
		out[hash] = rec.Fingerprint
	}
	return out, nil
}

// AllVectors streams every stored embedding, for index rebuilds.
func (s *Store) AllVectors() ([]VectorRecord, error) {
	embDir := filepath.Join(s.root, embeddingsDirName)
	entries, err := os.ReadDir(embDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptCache, "listing embeddings")
	}

	var records []VectorRecord
	for _, entry := range entries {
		name := entry.Name()
		idx := strings.LastIndex(name, "_chunk_")
		if idx < 0 || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(embDir, name))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCorruptCache, "reading embedding "+name)
		}
		var rec EmbeddingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCorruptCache, "parsing embedding "+name)
		}

		records = append(records, VectorRecord{
			OwnerHash:  name[:idx],
			ChunkIndex: rec.Chunk.ChunkIndex,
			Vector:     rec.Embedding.Vector,
			Model:      rec.Model,
		})
	}
	return records, nil
}

// Destroy removes the entire cache directory. Used when a folder is removed
// from management.
func (s *Store) Destroy() error {
	return os.RemoveAll(s.root)
}

// writeJSONAtomic writes through a uniquely-named temp file. Two concurrent
// tasks can save the same content hash (identical files indexed in one pass),
// so the temp name must not be shared.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating temp for "+filepath.Base(path))
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrCodeFileWrite, "writing "+filepath.Base(path))
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrCodeFileWrite, "writing "+filepath.Base(path))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrCodeFileWrite, "writing "+filepath.Base(path))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrCodeFileWrite, "replacing "+filepath.Base(path))
	}
	return nil
}
