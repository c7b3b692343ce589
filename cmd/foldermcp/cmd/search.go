package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/index"
	"github.com/foldermcp/foldermcp/internal/store"
)

func newSearchCmd() *cobra.Command {
	var topK int
	var threshold float64
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "search <folder> <query>",
		Short: "Search a folder's index semantically",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK <= 0 {
				return usageErrorf("-k must be positive, got %d", topK)
			}
			if threshold < 0 || threshold > 1 {
				return usageErrorf("--threshold must be in [0,1], got %g", threshold)
			}
			return runSearch(cmd, args[0], args[1], topK, threshold, rebuild)
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "Maximum number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum relevance in [0,1]")
	cmd.Flags().BoolVar(&rebuild, "rebuild-index", false, "Rebuild the index before searching")

	return cmd
}

func runSearch(cmd *cobra.Command, folder, query string, topK int, threshold float64, rebuild bool) error {
	folder, err := requireFolder(folder)
	if err != nil {
		return err
	}
	if strings.TrimSpace(query) == "" {
		return usageErrorf("query must not be empty")
	}

	st, err := store.Open(folder)
	if err != nil {
		return err
	}

	pool, err := newPipelinePool(0)
	if err != nil {
		return err
	}
	defer pool.Close()

	var ix *index.Index
	if rebuild {
		ix, _, err = buildFolderIndex(st, pool.ModelName(), pool.Dimensions())
	} else {
		ix, err = loadFolderIndex(st, pool.ModelName(), pool.Dimensions())
	}
	if err != nil {
		return err
	}

	vec, err := pool.Embed(cmd.Context(), query, embed.Options{Kind: embed.KindQuery})
	if err != nil {
		return err
	}
	results, err := ix.Search(vec, topK, threshold)
	if err != nil {
		return err
	}
	groups := index.GroupResults(results)
	if len(groups) > topK {
		groups = groups[:topK]
	}

	out := cmd.OutOrStdout()
	if len(groups) == 0 {
		fmt.Fprintln(out, "No results")
		return nil
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd())
	for i, g := range groups {
		rec, err := st.LoadDocument(g.OwnerHash)
		if err != nil {
			continue
		}
		relevance := index.NormalizeScore(g.MaxScore)
		if pretty {
			fmt.Fprintf(out, "%d. %s  (relevance %.2f)\n", i+1, rec.Fingerprint.RelativePath, relevance)
			fmt.Fprintf(out, "   %s\n", snippetFor(rec, g))
		} else {
			fmt.Fprintf(out, "%s\t%.4f\t%d\n", rec.Fingerprint.RelativePath, relevance, g.Results[0].Entry.ChunkIndex)
		}
	}
	return nil
}

// snippetFor returns the first line of the group's best chunk, bounded.
func snippetFor(rec store.DocumentRecord, g index.Group) string {
	idx := g.Results[0].Entry.ChunkIndex
	if idx < 0 || idx >= len(rec.Chunks) {
		return ""
	}
	text := strings.TrimSpace(rec.Chunks[idx].Content)
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[:nl]
	}
	const max = 120
	if len(text) > max {
		text = text[:max] + "..."
	}
	return text
}
