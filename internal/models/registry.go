// Package models holds the curated embedding-model registry and the
// download manager that fetches model assets on first use.
package models

import (
	"sort"
	"strings"

	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/errors"
)

// Backend labels where a model runs.
type Backend string

const (
	BackendGPU     Backend = "gpu"
	BackendCPU     Backend = "cpu"
	BackendBuiltin Backend = "builtin"
)

// Model describes one curated embedding model.
type Model struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"displayName"`
	Dimensions    int      `json:"dimensions"`
	Backend       Backend  `json:"backend"`
	Languages     []string `json:"languages"`
	QueryPrefix   string   `json:"queryPrefix,omitempty"`
	PassagePrefix string   `json:"passagePrefix,omitempty"`
	// BatchCapable models embed many candidates per call; sequential ones
	// get tighter candidate caps during enrichment.
	BatchCapable bool `json:"batchCapable"`
	// DownloadSize is the asset size in bytes, zero for builtins.
	DownloadSize int64 `json:"downloadSize,omitempty"`
}

// Builtin reports whether the model ships with the daemon.
func (m Model) Builtin() bool { return m.Backend == BackendBuiltin }

// curated is the registry, ordered: the first entry is the default. The E5
// family needs its query/passage prefixes or retrieval quality collapses.
var curated = []Model{
	{
		ID:           embed.HashModelName,
		DisplayName:  "Deterministic hash embedder",
		Dimensions:   embed.HashDimensions,
		Backend:      BackendBuiltin,
		Languages:    []string{"en"},
		BatchCapable: true,
	},
	{
		ID:           "gpu:bge-m3",
		DisplayName:  "BGE-M3",
		Dimensions:   1024,
		Backend:      BackendGPU,
		Languages:    []string{"en", "zh", "es", "fr", "de", "ja", "ko", "ru", "ar"},
		BatchCapable: true,
		DownloadSize: 2270 << 20,
	},
	{
		ID:            "gpu:multilingual-e5-large",
		DisplayName:   "Multilingual E5 Large",
		Dimensions:    1024,
		Backend:       BackendGPU,
		Languages:     []string{"en", "zh", "es", "fr", "de", "ja", "ko", "ru", "ar", "hi"},
		QueryPrefix:   "query: ",
		PassagePrefix: "passage: ",
		BatchCapable:  true,
		DownloadSize:  2240 << 20,
	},
	{
		ID:           "gpu:all-minilm-l6-v2",
		DisplayName:  "All-MiniLM L6 v2",
		Dimensions:   384,
		Backend:      BackendGPU,
		Languages:    []string{"en"},
		BatchCapable: true,
		DownloadSize: 91 << 20,
	},
	{
		ID:            "cpu:multilingual-e5-small",
		DisplayName:   "Multilingual E5 Small (CPU)",
		Dimensions:    384,
		Backend:       BackendCPU,
		Languages:     []string{"en", "zh", "es", "fr", "de", "ja", "ko", "ru"},
		QueryPrefix:   "query: ",
		PassagePrefix: "passage: ",
		DownloadSize:  470 << 20,
	},
}

// All returns the curated models in registry order.
func All() []Model {
	out := make([]Model, len(curated))
	copy(out, curated)
	return out
}

// Default returns the first curated model.
func Default() Model { return curated[0] }

// Get looks a model up by id.
func Get(id string) (Model, bool) {
	for _, m := range curated {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Validate returns a typed error when id is not curated.
func Validate(id string) error {
	if _, ok := Get(id); !ok {
		return errors.Newf(errors.ErrCodeInvalidModel, "model %q is not in the curated list", id).
			WithSuggestion("run models.list for the supported set")
	}
	return nil
}

// Recommend ranks curated models for the requested languages. In assisted
// mode only batch-capable models are offered; manual mode returns the full
// ranked list.
func Recommend(languages []string, mode string) []Model {
	type ranked struct {
		model Model
		score int
	}

	var out []ranked
	for _, m := range curated {
		if mode == "assisted" && !m.BatchCapable {
			continue
		}
		score := 0
		for _, want := range languages {
			for _, have := range m.Languages {
				if strings.EqualFold(want, have) {
					score++
				}
			}
		}
		if len(languages) > 0 && score == 0 {
			continue
		}
		out = append(out, ranked{model: m, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	result := make([]Model, len(out))
	for i, r := range out {
		result[i] = r.model
	}
	return result
}
