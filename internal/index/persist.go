package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"

	"github.com/foldermcp/foldermcp/internal/errors"
)

const (
	indexFileName    = "index.bin"
	mappingsFileName = "mappings.json"
)

// mappingsFile is the sidecar persisted next to the graph. The graph binary
// holds vectors keyed by internal id; this file holds everything needed to
// map those ids back to chunks.
type mappingsFile struct {
	FolderPath string  `json:"folderPath"`
	ModelID    string  `json:"modelId"`
	Dimensions int     `json:"dimensions"`
	NextID     uint64  `json:"nextId"`
	Entries    []Entry `json:"entries"`
}

// Save writes the graph and its id mappings under dir (typically the
// folder's .folder-mcp/vectors directory). Both files go through a temp
// write and rename so a crash mid-save never leaves a torn index. Orphaned
// graph nodes are dropped by re-adding only live entries.
func (ix *Index) Save(dir string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating vector directory")
	}

	// Compact: rebuild a graph containing only live entries so orphans from
	// lazy replacement do not accumulate across save cycles.
	compact := hnsw.NewGraph[uint64]()
	compact.Distance = hnsw.CosineDistance
	compact.M = ix.graph.M
	compact.EfSearch = ix.graph.EfSearch
	compact.Ml = ix.graph.Ml

	entries := make([]Entry, 0, len(ix.entries))
	for id, entry := range ix.entries {
		vec, ok := ix.graph.Lookup(id)
		if !ok {
			continue
		}
		compact.Add(hnsw.MakeNode(id, vec))
		entries = append(entries, entry)
	}

	indexPath := filepath.Join(dir, indexFileName)
	tmpIndex := indexPath + ".tmp"
	f, err := os.Create(tmpIndex)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating index file")
	}
	if err := compact.Export(f); err != nil {
		f.Close()
		os.Remove(tmpIndex)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "exporting index graph")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpIndex)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "closing index file")
	}
	if err := os.Rename(tmpIndex, indexPath); err != nil {
		os.Remove(tmpIndex)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "replacing index file")
	}

	mappings := mappingsFile{
		FolderPath: ix.folderPath,
		ModelID:    ix.modelID,
		Dimensions: ix.dimensions,
		NextID:     ix.nextID,
		Entries:    entries,
	}
	return writeJSONAtomic(filepath.Join(dir, mappingsFileName), mappings)
}

// Load restores an index previously written by Save. It returns an error
// carrying ErrCodeCorruptIndex when either file is missing, unreadable, or
// the mapping count disagrees with the graph, in which case the caller
// should rebuild from the embedding store.
func Load(dir string, cfg Config) (*Index, error) {
	mappingsPath := filepath.Join(dir, mappingsFileName)
	data, err := os.ReadFile(mappingsPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptIndex, "reading index mappings")
	}

	var mappings mappingsFile
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptIndex, "parsing index mappings")
	}
	if cfg.ModelID != "" && mappings.ModelID != cfg.ModelID {
		return nil, errors.Newf(errors.ErrCodeCorruptIndex,
			"index was built with model %q, folder configured for %q", mappings.ModelID, cfg.ModelID)
	}

	ix, err := New(Config{
		FolderPath: cfg.FolderPath,
		ModelID:    mappings.ModelID,
		Dimensions: mappings.Dimensions,
	})
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptIndex, "opening index file")
	}
	defer f.Close()

	// Import needs an io.ByteReader.
	if err := ix.graph.Import(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptIndex, "importing index graph")
	}

	if got := ix.graph.Len(); got != len(mappings.Entries) {
		return nil, errors.Newf(errors.ErrCodeCorruptIndex,
			"index holds %d vectors but mappings describe %d entries", got, len(mappings.Entries))
	}

	for _, entry := range mappings.Entries {
		ix.entries[entry.InternalID] = entry
		ix.byOwner[entry.OwnerHash] = append(ix.byOwner[entry.OwnerHash], entry.InternalID)
	}
	ix.nextID = mappings.NextID
	return ix, nil
}

// VectorRecord is one stored embedding handed to LoadOrRebuild by the
// embedding store.
type VectorRecord struct {
	OwnerHash  string
	ChunkIndex int
	Vector     []float32
}

// LoadOrRebuild restores the index from dir, and when that fails (missing or
// torn files, model mismatch) rebuilds it from the embedding store snapshot
// and re-emits both persistence files. loadVectors is only invoked on the
// rebuild path.
func LoadOrRebuild(dir string, cfg Config, loadVectors func() ([]VectorRecord, error)) (*Index, error) {
	ix, err := Load(dir, cfg)
	if err == nil {
		return ix, nil
	}

	records, lerr := loadVectors()
	if lerr != nil {
		return nil, errors.Wrap(lerr, errors.ErrCodeCorruptIndex, "rebuilding index from embedding store")
	}

	ix, nerr := New(cfg)
	if nerr != nil {
		return nil, nerr
	}
	for _, rec := range records {
		if aerr := ix.Add(rec.OwnerHash, rec.ChunkIndex, rec.Vector); aerr != nil {
			return nil, aerr
		}
	}
	if serr := ix.Save(dir); serr != nil {
		return nil, serr
	}
	return ix, nil
}

// Exists reports whether both persistence files are present under dir.
func Exists(dir string) bool {
	for _, name := range []string{indexFileName, mappingsFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "writing "+filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "replacing "+filepath.Base(path))
	}
	return nil
}
