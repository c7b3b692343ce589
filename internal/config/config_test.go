package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldermcp/foldermcp/internal/models"
)

func validFolder(path, name string) FolderConfig {
	f := NewFolderConfig(path, name, "")
	return f
}

func TestNewFolderConfigDefaults(t *testing.T) {
	f := NewFolderConfig("/x/a", "a", "")
	assert.Equal(t, models.Default().ID, f.Model)
	assert.Equal(t, "default", f.Provenance["model"])
	assert.Equal(t, "user", f.Provenance["path"])
	assert.Equal(t, DefaultBatch, f.Perf.BatchSize)
	assert.True(t, f.Enabled)

	g := NewFolderConfig("/x/b", "b", "gpu:bge-m3")
	assert.Equal(t, "user", g.Provenance["model"])
}

func TestEffectiveExcludesPolicies(t *testing.T) {
	f := FolderConfig{Exclude: PatternSet{Patterns: []string{"build/**"}, Policy: MergeAppend}}
	appended := f.EffectiveExcludes()
	assert.Equal(t, append(append([]string(nil), DefaultExcludes...), "build/**"), appended)

	f.Exclude.Policy = MergeReplace
	assert.Equal(t, []string{"build/**"}, f.EffectiveExcludes())

	f.Exclude = PatternSet{Patterns: []string{"build/**", ".git/**"}, Policy: MergeUnion}
	union := f.EffectiveExcludes()
	counts := map[string]int{}
	for _, p := range union {
		counts[p]++
	}
	assert.Equal(t, 1, counts[".git/**"], "union must deduplicate")
	assert.Equal(t, 1, counts["build/**"])
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cases := map[string]Document{
		"relative path": {Folders: []FolderConfig{validFolder("rel/path", "a")}},
		"duplicate path": {Folders: []FolderConfig{
			validFolder("/x/a", "a"), validFolder("/x/a", "b")}},
		"duplicate name": {Folders: []FolderConfig{
			validFolder("/x/a", "same"), validFolder("/x/b", "same")}},
		"unknown model": {Folders: []FolderConfig{
			NewFolderConfig("/x/a", "a", "nope")}},
	}
	for name, doc := range cases {
		assert.Error(t, doc.Validate(), name)
	}

	batch := validFolder("/x/a", "a")
	batch.Perf.BatchSize = MaxBatchSize + 1
	assert.Error(t, (&Document{Folders: []FolderConfig{batch}}).Validate())

	conc := validFolder("/x/a", "a")
	conc.Perf.MaxConcurrency = 0
	assert.Error(t, (&Document{Folders: []FolderConfig{conc}}).Validate())

	good := Document{Folders: []FolderConfig{validFolder("/x/a", "a"), validFolder("/x/b", "b")}}
	assert.NoError(t, good.Validate())
}

func TestLoadMissingFileYieldsEmptyDocument(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Empty(t, doc.Folders)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := Document{Version: 1, Folders: []FolderConfig{validFolder("/x/a", "a")}}
	require.NoError(t, Save(path, doc))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, doc.Folders[0].Path, loaded.Folders[0].Path)
	assert.Equal(t, doc.Folders[0].Model, loaded.Folders[0].Model)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestManagerUpdateTransactional(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path, nil)
	require.NoError(t, err)

	var notified []Document
	m.OnChange(func(d Document) { notified = append(notified, d) })

	require.NoError(t, m.Update(func(d *Document) error {
		d.Folders = append(d.Folders, validFolder("/x/a", "a"))
		return nil
	}))
	require.Len(t, notified, 1)
	assert.Len(t, m.Get().Folders, 1)

	// A mutation producing an invalid document must not take effect.
	err = m.Update(func(d *Document) error {
		d.Folders = append(d.Folders, validFolder("/x/a", "dup"))
		return nil
	})
	require.Error(t, err)
	assert.Len(t, m.Get().Folders, 1, "failed update must roll back")
	assert.Len(t, notified, 1, "failed update must not notify")

	// The document survived on disk.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.Folders, 1)
}

func TestManagerGetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(func(d *Document) error {
		d.Folders = append(d.Folders, validFolder("/x/a", "a"))
		return nil
	}))

	doc := m.Get()
	doc.Folders[0].Name = "mutated"
	assert.Equal(t, "a", m.Get().Folders[0].Name)
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path, nil)
	require.NoError(t, err)

	// Another process rewrites the file.
	doc := Document{Version: 1, Folders: []FolderConfig{validFolder("/x/z", "z")}}
	require.NoError(t, Save(path, doc))

	require.NoError(t, m.Reload())
	assert.Len(t, m.Get().Folders, 1)
	assert.Equal(t, "/x/z", m.Get().Folders[0].Path)
}
