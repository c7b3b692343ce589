package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/store"
)

func newIndexCmd() *cobra.Command {
	var skipEmbeddings bool

	cmd := &cobra.Command{
		Use:   "index <folder>",
		Short: "Scan, chunk and embed a folder's documents",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, args[0], skipEmbeddings)
		},
	}

	cmd.Flags().BoolVar(&skipEmbeddings, "skip-embeddings", false,
		"Parse and chunk only; skip vector generation")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, folder string, skipEmbeddings bool) error {
	folder, err := requireFolder(folder)
	if err != nil {
		return err
	}
	log := cliLogger()

	st, err := store.Open(folder)
	if err != nil {
		return err
	}

	added, removed, err := scanFolder(st, folder, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scanned %s: %d document(s) added, %d removed\n", folder, added, removed)

	if skipEmbeddings {
		return nil
	}

	pool, err := newPipelinePool(0)
	if err != nil {
		return err
	}
	defer pool.Close()

	embedded, err := embedFolder(ctx, st, pool, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d chunk(s)\n", embedded)

	_, count, err := buildFolderIndex(st, pool.ModelName(), pool.Dimensions())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Index built: %d vector(s)\n", count)
	return nil
}
