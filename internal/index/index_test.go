package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/errors"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(Config{
		FolderPath: "/data/docs",
		ModelID:    embed.HashModelName,
		Dimensions: embed.HashDimensions,
	})
	require.NoError(t, err)
	return ix
}

func embedText(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embed.NewHashEmbedder().Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func TestNewRejectsZeroDimensions(t *testing.T) {
	_, err := New(Config{Dimensions: 0})
	assert.Error(t, err)
}

func TestAddAndSearch(t *testing.T) {
	ix := newTestIndex(t)

	corpus := map[string]string{
		"doc-a": "quarterly revenue grew twelve percent year over year",
		"doc-b": "penguins breed on antarctic pack ice in winter",
		"doc-c": "revenue growth slowed in the fourth quarter",
	}
	for hash, text := range corpus {
		require.NoError(t, ix.Add(hash, 0, embedText(t, text)))
	}
	require.Equal(t, 3, ix.Count())

	results, err := ix.Search(embedText(t, "revenue growth by quarter"), 2, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// Both revenue documents must outrank the penguin one.
	assert.NotEqual(t, "doc-b", results[0].Entry.OwnerHash)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	for _, r := range results {
		assert.Equal(t, "/data/docs", r.Entry.FolderPath)
		assert.InDelta(t, NormalizeScore(r.Score), r.Relevance, 1e-9)
	}
}

func TestAddRejectsWrongDimensions(t *testing.T) {
	ix := newTestIndex(t)
	err := ix.Add("doc", 0, make([]float32, 3))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDimensionMismatch, errors.CodeOf(err))
}

func TestAddReplacesSameCoordinates(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.Add("doc", 0, embedText(t, "first version of the chunk")))
	require.NoError(t, ix.Add("doc", 0, embedText(t, "second version of the chunk")))

	assert.Equal(t, 1, ix.Count())

	results, err := ix.Search(embedText(t, "second version of the chunk"), 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc", results[0].Entry.OwnerHash)
}

func TestRemoveOwner(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Add("keep", 0, embedText(t, "kept content")))
	require.NoError(t, ix.Add("drop", 0, embedText(t, "dropped content")))
	require.NoError(t, ix.Add("drop", 1, embedText(t, "more dropped content")))

	ix.RemoveOwner("drop")

	assert.Equal(t, 1, ix.Count())
	assert.Equal(t, []string{"keep"}, ix.Owners())

	results, err := ix.Search(embedText(t, "dropped content"), 5, 0)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "drop", r.Entry.OwnerHash)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := newTestIndex(t)
	results, err := ix.Search(make([]float32, embed.HashDimensions), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchThresholdFiltersInRelevanceSpace(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Add("doc", 0, embedText(t, "completely unrelated walrus material")))

	// A threshold above the best achievable relevance yields nothing.
	results, err := ix.Search(embedText(t, "tax law amendments"), 5, 0.999)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNormalizeScore(t *testing.T) {
	assert.Equal(t, 1.0, NormalizeScore(1))
	assert.Equal(t, 0.5, NormalizeScore(0))
	assert.Equal(t, 0.0, NormalizeScore(-1))
	assert.Equal(t, 0.0, NormalizeScore(-1.5))
	assert.Equal(t, 1.0, NormalizeScore(1.5))
	assert.InDelta(t, 0.3, NormalizeScore(DenormalizeThreshold(0.3)), 1e-9)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ix := newTestIndex(t)

	require.NoError(t, ix.Add("doc-a", 0, embedText(t, "alpha content")))
	require.NoError(t, ix.Add("doc-a", 1, embedText(t, "beta content")))
	require.NoError(t, ix.Add("doc-b", 0, embedText(t, "gamma content")))
	require.NoError(t, ix.Save(dir))
	assert.True(t, Exists(dir))

	loaded, err := Load(dir, Config{FolderPath: "/data/docs", ModelID: embed.HashModelName})
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Count())
	assert.Equal(t, embed.HashDimensions, loaded.Dimensions())

	results, err := loaded.Search(embedText(t, "gamma content"), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-b", results[0].Entry.OwnerHash)
}

func TestSaveCompactsOrphans(t *testing.T) {
	dir := t.TempDir()
	ix := newTestIndex(t)

	require.NoError(t, ix.Add("doc", 0, embedText(t, "stale version")))
	require.NoError(t, ix.Add("doc", 0, embedText(t, "fresh version")))
	require.NoError(t, ix.Save(dir))

	loaded, err := Load(dir, Config{FolderPath: "/data/docs"})
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Count())
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := Load(t.TempDir(), Config{FolderPath: "/data/docs"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptIndex, errors.CodeOf(err))
}

func TestLoadModelMismatch(t *testing.T) {
	dir := t.TempDir()
	ix := newTestIndex(t)
	require.NoError(t, ix.Add("doc", 0, embedText(t, "content")))
	require.NoError(t, ix.Save(dir))

	_, err := Load(dir, Config{FolderPath: "/data/docs", ModelID: "some-other-model"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptIndex, errors.CodeOf(err))
}

func TestLoadOrRebuildFromStore(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{FolderPath: "/data/docs", ModelID: embed.HashModelName, Dimensions: embed.HashDimensions}

	records := []VectorRecord{
		{OwnerHash: "doc-a", ChunkIndex: 0, Vector: embedText(t, "alpha content")},
		{OwnerHash: "doc-b", ChunkIndex: 0, Vector: embedText(t, "beta content")},
	}

	// No persisted files yet: must rebuild from the store and re-emit them.
	ix, err := LoadOrRebuild(dir, cfg, func() ([]VectorRecord, error) { return records, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Count())
	assert.True(t, Exists(dir))

	// Second call takes the fast path; a failing loader must not be reached.
	ix2, err := LoadOrRebuild(dir, cfg, func() ([]VectorRecord, error) {
		t.Fatal("loader must not run when persisted files are valid")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ix2.Count())
}

func TestGroupResultsDedupesAdjacentChunks(t *testing.T) {
	mk := func(owner string, chunk int, score float64) Result {
		return Result{
			Entry: Entry{OwnerHash: owner, ChunkIndex: chunk, FolderPath: "/data/docs"},
			Score: score, Relevance: NormalizeScore(score),
		}
	}

	groups := GroupResults([]Result{
		mk("doc-a", 4, 0.9),
		mk("doc-a", 5, 0.85), // adjacent to 4, dropped
		mk("doc-a", 9, 0.7),
		mk("doc-b", 0, 0.8),
	})

	require.Len(t, groups, 2)
	assert.Equal(t, "doc-a", groups[0].OwnerHash)
	assert.Equal(t, 0.9, groups[0].MaxScore)
	require.Len(t, groups[0].Results, 2)
	assert.Equal(t, 4, groups[0].Results[0].Entry.ChunkIndex)
	assert.Equal(t, 9, groups[0].Results[1].Entry.ChunkIndex)

	assert.Equal(t, "doc-b", groups[1].OwnerHash)
}

func TestGroupResultsCapsHitsPerDocument(t *testing.T) {
	var hits []Result
	for i := 0; i < 12; i += 3 { // non-adjacent indexes
		hits = append(hits, Result{
			Entry: Entry{OwnerHash: "doc", ChunkIndex: i, FolderPath: "/d"},
			Score: 0.9 - float64(i)*0.01,
		})
	}

	groups := GroupResults(hits)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Results, maxHitsPerDocument)
}

func TestExpandContext(t *testing.T) {
	prev := "First paragraph of previous.\n\nTail paragraph of previous."
	next := "Head paragraph of next.\n\nSecond paragraph of next."

	out := ExpandContext(prev, "The hit chunk.", next)
	assert.Equal(t, "Tail paragraph of previous.\n\nThe hit chunk.\n\nHead paragraph of next.", out)

	assert.Equal(t, "The hit chunk.", ExpandContext("", "The hit chunk.", ""))
	assert.Equal(t, "Only paragraph.\n\nhit", ExpandContext("Only paragraph.", "hit", ""))
}

func TestManagerScopedSearch(t *testing.T) {
	m := NewManager()

	docs := newTestIndex(t)
	require.NoError(t, docs.Add("doc-a", 0, embedText(t, "invoices and billing records")))

	notes, err := New(Config{FolderPath: "/data/notes", ModelID: embed.HashModelName, Dimensions: embed.HashDimensions})
	require.NoError(t, err)
	require.NoError(t, notes.Add("note-a", 0, embedText(t, "billing dispute meeting notes")))

	m.Attach("/data/docs", docs)
	m.Attach("/data/notes", notes)
	assert.Equal(t, []string{"/data/docs", "/data/notes"}, m.Folders())
	assert.Equal(t, []string{embed.HashModelName}, m.Models())

	query := embedText(t, "billing")

	all, err := m.Search(embed.HashModelName, query, nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := m.Search(embed.HashModelName, query, []string{"/data/notes"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "note-a", scoped[0].Entry.OwnerHash)

	_, err = m.Search(embed.HashModelName, query, []string{"/data/unknown"}, 10, 0)
	assert.Error(t, err)

	m.Detach("/data/notes")
	all, err = m.Search(embed.HashModelName, query, nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
