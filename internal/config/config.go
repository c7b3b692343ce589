// Package config persists the daemon's fleet document: which folders are
// managed, with which model and patterns. All mutation goes through a
// transactional Update so observers always see a consistent document.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/foldermcp/foldermcp/internal/errors"
	"github.com/foldermcp/foldermcp/internal/models"
)

// Performance bounds per folder.
const (
	MinBatchSize      = 1
	MaxBatchSize      = 128
	MinConcurrency    = 1
	MaxConcurrency    = 16
	DefaultBatch      = 32
	DefaultConcurrent = 4
)

// MergePolicy controls how folder patterns combine with the defaults.
type MergePolicy string

const (
	// MergeReplace uses only the folder's own patterns.
	MergeReplace MergePolicy = "replace"
	// MergeAppend puts the folder's patterns after the defaults.
	MergeAppend MergePolicy = "append"
	// MergeUnion combines both sets, dropping duplicates.
	MergeUnion MergePolicy = "union"
)

// PatternSet is a glob list with its merge policy.
type PatternSet struct {
	Patterns []string    `yaml:"patterns"`
	Policy   MergePolicy `yaml:"policy"`
}

// Performance are the per-folder tuning knobs.
type Performance struct {
	BatchSize      int `yaml:"batchSize"`
	MaxConcurrency int `yaml:"maxConcurrency"`
}

// FolderConfig is one managed folder.
type FolderConfig struct {
	// Path is the resolved absolute path, the canonical key.
	Path string `yaml:"path"`
	Name string `yaml:"name"`
	// Model is the embedding model id from the curated registry.
	Model   string      `yaml:"model"`
	Include PatternSet  `yaml:"include,omitempty"`
	Exclude PatternSet  `yaml:"exclude,omitempty"`
	Perf    Performance `yaml:"performance"`
	Enabled bool        `yaml:"enabled"`
	// Provenance records which fields came from user input versus
	// resolved defaults.
	Provenance map[string]string `yaml:"provenance,omitempty"`
}

// Document is the persisted fleet configuration.
type Document struct {
	Version int            `yaml:"version"`
	Folders []FolderConfig `yaml:"folders"`
}

// DefaultExcludes always apply unless a folder's policy is replace.
var DefaultExcludes = []string{
	"node_modules/**",
	".git/**",
	".*/**",
	"*.tmp",
}

// NewFolderConfig fills a folder entry with resolved defaults, recording
// provenance for everything the caller did not supply.
func NewFolderConfig(path, name, model string) FolderConfig {
	prov := map[string]string{"path": "user", "name": "user"}
	if model == "" {
		model = models.Default().ID
		prov["model"] = "default"
	} else {
		prov["model"] = "user"
	}
	return FolderConfig{
		Path:       path,
		Name:       name,
		Model:      model,
		Exclude:    PatternSet{Policy: MergeAppend},
		Perf:       Performance{BatchSize: DefaultBatch, MaxConcurrency: DefaultConcurrent},
		Enabled:    true,
		Provenance: prov,
	}
}

// EffectiveExcludes merges the folder's exclude patterns with the defaults
// per its policy.
func (f FolderConfig) EffectiveExcludes() []string {
	switch f.Exclude.Policy {
	case MergeReplace:
		return append([]string(nil), f.Exclude.Patterns...)
	case MergeUnion:
		seen := make(map[string]struct{})
		var out []string
		for _, p := range append(append([]string(nil), DefaultExcludes...), f.Exclude.Patterns...) {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
		return out
	default: // append
		return append(append([]string(nil), DefaultExcludes...), f.Exclude.Patterns...)
	}
}

// Validate checks the document's invariants.
func (d *Document) Validate() error {
	names := make(map[string]string)
	paths := make(map[string]struct{})
	for _, f := range d.Folders {
		if !filepath.IsAbs(f.Path) {
			return errors.Newf(errors.ErrCodeConfigInvalid, "folder path must be absolute: %s", f.Path)
		}
		if _, dup := paths[f.Path]; dup {
			return errors.Newf(errors.ErrCodeConfigInvalid, "duplicate folder path: %s", f.Path)
		}
		paths[f.Path] = struct{}{}

		if other, dup := names[f.Name]; dup {
			return errors.Newf(errors.ErrCodeConfigInvalid,
				"folder name %q used by both %s and %s", f.Name, other, f.Path)
		}
		names[f.Name] = f.Path

		if err := models.Validate(f.Model); err != nil {
			return err
		}
		if f.Perf.BatchSize < MinBatchSize || f.Perf.BatchSize > MaxBatchSize {
			return errors.Newf(errors.ErrCodeConfigInvalid,
				"batch size %d outside [%d,%d] for %s", f.Perf.BatchSize, MinBatchSize, MaxBatchSize, f.Path)
		}
		if f.Perf.MaxConcurrency < MinConcurrency || f.Perf.MaxConcurrency > MaxConcurrency {
			return errors.Newf(errors.ErrCodeConfigInvalid,
				"concurrency %d outside [%d,%d] for %s", f.Perf.MaxConcurrency, MinConcurrency, MaxConcurrency, f.Path)
		}
	}
	return nil
}

// Folder returns the entry for path.
func (d *Document) Folder(path string) (FolderConfig, bool) {
	for _, f := range d.Folders {
		if f.Path == path {
			return f, true
		}
	}
	return FolderConfig{}, false
}

// copyDoc deep-copies a document.
func copyDoc(d Document) Document {
	out := Document{Version: d.Version, Folders: make([]FolderConfig, len(d.Folders))}
	for i, f := range d.Folders {
		out.Folders[i] = f
		out.Folders[i].Include.Patterns = append([]string(nil), f.Include.Patterns...)
		out.Folders[i].Exclude.Patterns = append([]string(nil), f.Exclude.Patterns...)
		if f.Provenance != nil {
			prov := make(map[string]string, len(f.Provenance))
			for k, v := range f.Provenance {
				prov[k] = v
			}
			out.Folders[i].Provenance = prov
		}
	}
	return out
}

// Load reads the document at path. A missing file yields an empty document.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{Version: 1}, nil
		}
		return Document{}, errors.Wrap(err, errors.ErrCodeConfigNotFound, "reading configuration")
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, errors.Wrap(err, errors.ErrCodeConfigInvalid, "parsing configuration")
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	return doc, nil
}

// Save writes the document atomically.
func Save(path string, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "creating configuration directory")
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileWrite, "writing configuration")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeFileWrite, "replacing configuration")
	}
	return nil
}
