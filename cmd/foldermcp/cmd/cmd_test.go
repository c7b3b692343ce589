package cmd

import (
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldermcp/foldermcp/internal/store"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestIndexThenSearch(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"billing.txt": "Invoice totals, payment due dates and account balance reconciliation.",
		"recipe.txt":  "Slice the onions thin, brown the butter and simmer the soup.",
	})

	out, err := runCLI(t, "index", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "2 document(s) added")
	assert.Contains(t, out, "Index built")

	out, err = runCLI(t, "search", dir, "invoice payment balance", "-k", "5")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	firstLine := strings.SplitN(out, "\n", 2)[0]
	assert.Contains(t, firstLine, "billing.txt")
}

func TestIndexSkipEmbeddingsLeavesNoVectors(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.txt": "alpha beta gamma"})

	out, err := runCLI(t, "index", dir, "--skip-embeddings")
	require.NoError(t, err)
	assert.Contains(t, out, "1 document(s) added")
	assert.NotContains(t, out, "Index built")

	out, err = runCLI(t, "build-index", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "0 vector(s)")
}

func TestEmbeddingsThenBuildIndex(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.txt": "alpha beta gamma delta"})

	_, err := runCLI(t, "index", dir, "--skip-embeddings")
	require.NoError(t, err)

	out, err := runCLI(t, "embeddings", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Embedded")
	assert.NotContains(t, out, "Embedded 0 chunk")

	out, err = runCLI(t, "build-index", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "0 vector(s)")
}

func TestEmbeddingsForceRegenerates(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.txt": "alpha beta gamma delta"})

	_, err := runCLI(t, "index", dir)
	require.NoError(t, err)

	// Idempotent without --force.
	out, err := runCLI(t, "embeddings", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Embedded 0 chunk(s)")

	out, err = runCLI(t, "embeddings", dir, "--force")
	require.NoError(t, err)
	assert.NotContains(t, out, "Embedded 0 chunk(s)")
}

func TestIndexRemovesStaleDocuments(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"keep.txt": "kept content",
		"gone.txt": "doomed content",
	})

	_, err := runCLI(t, "index", dir, "--skip-embeddings")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.txt")))

	out, err := runCLI(t, "index", dir, "--skip-embeddings")
	require.NoError(t, err)
	assert.Contains(t, out, "0 document(s) added, 1 removed")

	st, err := store.Open(dir)
	require.NoError(t, err)
	hashes, err := st.Documents()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestUsageErrorsExitTwo(t *testing.T) {
	for _, args := range [][]string{
		{"index"},
		{"search", t.TempDir()},
		{"index", filepath.Join(t.TempDir(), "missing")},
		{"search", t.TempDir(), "query", "-k", "0"},
	} {
		_, err := runCLI(t, args...)
		require.Error(t, err, "%v", args)
		var uerr *usageError
		assert.True(t, stderrors.As(err, &uerr), "%v should be a usage error, got %v", args, err)
	}
}

func TestIncludeFileFilter(t *testing.T) {
	cases := map[string]bool{
		"doc.md":                     true,
		"notes.txt":                  true,
		"sub/dir/report.txt":         true,
		"node_modules/pkg/readme.md": false,
		".git/config":                false,
		".folder-mcp/metadata/x":     false,
		"binary.exe":                 false,
		"scratch.tmp":                false,
	}
	for rel, want := range cases {
		assert.Equal(t, want, includeFile(rel, nil), rel)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "foldermcp")
}
