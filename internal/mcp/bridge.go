// Package mcp bridges AI clients to the folder index over the Model Context
// Protocol's stdio transport. The bridge exposes two tools: semantic search
// across managed folders and a folder listing backed by the live FMDM
// snapshot.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
	"github.com/foldermcp/foldermcp/pkg/version"
)

// Bridge is the MCP-facing surface of the daemon.
type Bridge struct {
	mcp  *mcp.Server
	orch *orchestrator.Orchestrator
	bus  *fmdm.Broadcaster
	log  *slog.Logger
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query     string  `json:"query" jsonschema:"the semantic search query"`
	Folder    string  `json:"folder,omitempty" jsonschema:"restrict to one managed folder path; all folders when empty"`
	Limit     int     `json:"limit,omitempty" jsonschema:"maximum number of document hits, default 10"`
	Threshold float64 `json:"threshold,omitempty" jsonschema:"minimum relevance in [0,1], default 0"`
}

// SearchHit is one document hit in the search tool output.
type SearchHit struct {
	FolderPath   string  `json:"folder_path"`
	DocumentPath string  `json:"document_path"`
	DocumentType string  `json:"document_type"`
	Relevance    float64 `json:"relevance"`
	Snippet      string  `json:"snippet,omitempty"`
}

// SearchOutput is the search tool output schema.
type SearchOutput struct {
	Results []SearchHit `json:"results"`
}

// ListFoldersInput is the list_folders input schema (no parameters).
type ListFoldersInput struct{}

// FolderEntry is one managed folder in the list_folders output.
type FolderEntry struct {
	Path          string `json:"path"`
	Name          string `json:"name"`
	Model         string `json:"model"`
	Status        string `json:"status"`
	DocumentCount int    `json:"document_count"`
}

// ListFoldersOutput is the list_folders output schema.
type ListFoldersOutput struct {
	Folders []FolderEntry `json:"folders"`
}

// NewBridge builds the bridge and registers its tools.
func NewBridge(orch *orchestrator.Orchestrator, bus *fmdm.Broadcaster, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		orch: orch,
		bus:  bus,
		log:  log.With(slog.String("component", "mcp")),
	}

	b.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "foldermcp",
			Version: version.Version,
		},
		nil,
	)

	mcp.AddTool(b.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Semantic search over the indexed folders. Finds documents by meaning, not just keywords; results carry relevance scores and snippets.",
	}, b.searchHandler)

	mcp.AddTool(b.mcp, &mcp.Tool{
		Name:        "list_folders",
		Description: "List the folders under management with their indexing status, model and document counts. Use this to discover what is searchable.",
	}, b.listFoldersHandler)

	return b
}

// Run serves the bridge over stdio until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info("mcp bridge serving on stdio")
	err := b.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (b *Bridge) searchHandler(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, fmt.Errorf("query is required")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	folders := b.orch.Folders()
	if input.Folder != "" {
		folders = []string{input.Folder}
	}

	var hits []SearchHit
	for _, folder := range folders {
		resp, err := b.orch.SearchFolder(ctx, folder, input.Query, orchestrator.SearchOptions{
			TopK:           limit,
			Threshold:      input.Threshold,
			IncludeContent: true,
		})
		if err != nil {
			if input.Folder != "" {
				return nil, SearchOutput{}, err
			}
			// Folders still scanning are skipped, not fatal.
			b.log.Debug("folder search failed", slog.String("folder", folder), slog.Any("error", err))
			continue
		}
		for _, hit := range resp.Hits {
			out := SearchHit{
				FolderPath:   hit.FolderPath,
				DocumentPath: hit.RelativePath,
				DocumentType: hit.DocumentType,
				Relevance:    hit.Relevance,
			}
			if len(hit.Chunks) > 0 {
				out.Snippet = hit.Chunks[0].Snippet
			}
			hits = append(hits, out)
		}
	}

	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return nil, SearchOutput{Results: hits}, nil
}

func (b *Bridge) listFoldersHandler(ctx context.Context, req *mcp.CallToolRequest, _ ListFoldersInput) (
	*mcp.CallToolResult,
	ListFoldersOutput,
	error,
) {
	snap := b.bus.Snapshot()
	out := ListFoldersOutput{Folders: make([]FolderEntry, 0, len(snap.Folders))}
	for _, f := range snap.Folders {
		entry := FolderEntry{
			Path:   f.Path,
			Name:   f.Name,
			Model:  f.Model,
			Status: string(f.Status),
		}
		if st, ok := b.orch.Store(f.Path); ok {
			if hashes, err := st.Documents(); err == nil {
				entry.DocumentCount = len(hashes)
			}
		}
		out.Folders = append(out.Folders, entry)
	}
	return nil, out, nil
}

// sortHits orders by descending relevance, stable for equal scores.
func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Relevance > hits[j].Relevance
	})
}
