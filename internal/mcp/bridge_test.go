package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/lifecycle"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBridge(t *testing.T) (*Bridge, *orchestrator.Orchestrator, *fmdm.Broadcaster) {
	t.Helper()
	base := t.TempDir()

	cfgMgr, err := config.NewManager(filepath.Join(base, "config.yaml"), quietLogger())
	require.NoError(t, err)

	bus := fmdm.New(quietLogger())
	t.Cleanup(bus.Close)

	dl := models.NewDownloader(filepath.Join(base, "models"), "http://127.0.0.1:1", quietLogger())

	orch := orchestrator.New(cfgMgr, bus, dl, quietLogger())
	t.Cleanup(orch.Close)

	return NewBridge(orch, bus, quietLogger()), orch, bus
}

func addActiveFolder(t *testing.T, orch *orchestrator.Orchestrator, bus *fmdm.Broadcaster, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	require.NoError(t, orch.Add(context.Background(), dir, filepath.Base(dir), ""))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range bus.Snapshot().Folders {
			if f.Path == dir && f.Status == lifecycle.StateActive {
				return dir
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("folder %s never became active", dir)
	return dir
}

func TestSearchToolFindsRelevantDocument(t *testing.T) {
	bridge, orch, bus := newBridge(t)
	addActiveFolder(t, orch, bus, map[string]string{
		"billing.txt": "Invoice totals, payment due dates and account balance reconciliation for the billing cycle.",
		"recipe.txt":  "Slice the onions thin, brown the butter and simmer the soup for an hour.",
	})

	_, out, err := bridge.searchHandler(context.Background(), nil, SearchInput{
		Query: "invoice payment balance billing",
		Limit: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "billing.txt", out.Results[0].DocumentPath)
	assert.Greater(t, out.Results[0].Relevance, 0.0)
	assert.NotEmpty(t, out.Results[0].Snippet)
}

func TestSearchToolScopedToOneFolder(t *testing.T) {
	bridge, orch, bus := newBridge(t)
	first := addActiveFolder(t, orch, bus, map[string]string{
		"notes.txt": "Quarterly revenue projections and expense forecasts.",
	})
	addActiveFolder(t, orch, bus, map[string]string{
		"other.txt": "Hiking trail conditions and campsite reservations.",
	})

	_, out, err := bridge.searchHandler(context.Background(), nil, SearchInput{
		Query:  "revenue forecast expenses",
		Folder: first,
	})
	require.NoError(t, err)
	for _, hit := range out.Results {
		assert.Equal(t, first, hit.FolderPath)
	}
}

func TestSearchToolRejectsEmptyQuery(t *testing.T) {
	bridge, _, _ := newBridge(t)
	_, _, err := bridge.searchHandler(context.Background(), nil, SearchInput{Query: "   "})
	require.Error(t, err)
}

func TestSearchToolUnmanagedFolderFails(t *testing.T) {
	bridge, _, _ := newBridge(t)
	_, _, err := bridge.searchHandler(context.Background(), nil, SearchInput{
		Query:  "anything",
		Folder: "/no/such/folder",
	})
	require.Error(t, err)
}

func TestListFoldersTool(t *testing.T) {
	bridge, orch, bus := newBridge(t)
	dir := addActiveFolder(t, orch, bus, map[string]string{
		"a.txt": "alpha contents",
		"b.md":  "# beta\n\nbody",
	})

	_, out, err := bridge.listFoldersHandler(context.Background(), nil, ListFoldersInput{})
	require.NoError(t, err)
	require.Len(t, out.Folders, 1)

	entry := out.Folders[0]
	assert.Equal(t, dir, entry.Path)
	assert.Equal(t, string(lifecycle.StateActive), entry.Status)
	assert.NotEmpty(t, entry.Model)
	assert.Equal(t, 2, entry.DocumentCount)
}

func TestListFoldersEmptyWhenNothingManaged(t *testing.T) {
	bridge, _, _ := newBridge(t)
	_, out, err := bridge.listFoldersHandler(context.Background(), nil, ListFoldersInput{})
	require.NoError(t, err)
	assert.Empty(t, out.Folders)
}
