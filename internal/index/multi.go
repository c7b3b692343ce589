package index

import (
	"sort"
	"sync"

	"github.com/foldermcp/foldermcp/internal/errors"
)

// Manager holds the live per-folder indexes and answers searches scoped to
// one folder or spanning all of them. Folders embed with different models,
// so a cross-folder query must be re-embedded per model by the caller; the
// manager exposes the distinct model ids for that.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]*Index // keyed by folder path
}

// NewManager creates an empty index manager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*Index)}
}

// Attach registers a folder's index, replacing any previous one.
func (m *Manager) Attach(folderPath string, ix *Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[folderPath] = ix
}

// Detach removes a folder's index.
func (m *Manager) Detach(folderPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, folderPath)
}

// Get returns the index for a folder path.
func (m *Manager) Get(folderPath string) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[folderPath]
	return ix, ok
}

// Folders returns the attached folder paths, sorted.
func (m *Manager) Folders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.indexes))
	for p := range m.indexes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Models returns the distinct embedding model ids across attached indexes.
func (m *Manager) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var models []string
	for _, ix := range m.indexes {
		if _, ok := seen[ix.ModelID()]; ok {
			continue
		}
		seen[ix.ModelID()] = struct{}{}
		models = append(models, ix.ModelID())
	}
	sort.Strings(models)
	return models
}

// Search runs a query against every attached index whose model id matches,
// using the query vector embedded with that model, and merges hits by
// descending score. An empty folderPaths slice means all folders.
func (m *Manager) Search(modelID string, query []float32, folderPaths []string, topK int, threshold float64) ([]Result, error) {
	m.mu.RLock()
	targets := make([]*Index, 0, len(m.indexes))
	if len(folderPaths) == 0 {
		for _, ix := range m.indexes {
			targets = append(targets, ix)
		}
	} else {
		for _, p := range folderPaths {
			ix, ok := m.indexes[p]
			if !ok {
				m.mu.RUnlock()
				return nil, errors.Newf(errors.ErrCodeInvalidPath, "folder not indexed: %s", p)
			}
			targets = append(targets, ix)
		}
	}
	m.mu.RUnlock()

	var merged []Result
	for _, ix := range targets {
		if ix.ModelID() != modelID {
			continue
		}
		hits, err := ix.Search(query, topK, threshold)
		if err != nil {
			return nil, err
		}
		merged = append(merged, hits...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK && topK > 0 {
		merged = merged[:topK]
	}
	return merged, nil
}
