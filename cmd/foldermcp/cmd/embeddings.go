package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/store"
)

func newEmbeddingsCmd() *cobra.Command {
	var batchSize int
	var force bool

	cmd := &cobra.Command{
		Use:   "embeddings <folder>",
		Short: "Generate embeddings for a folder's chunked documents",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := requireFolder(args[0])
			if err != nil {
				return err
			}
			if batchSize < 0 {
				return usageErrorf("--batch-size must not be negative, got %d", batchSize)
			}

			st, err := store.Open(folder)
			if err != nil {
				return err
			}

			pool, err := newPipelinePool(batchSize)
			if err != nil {
				return err
			}
			defer pool.Close()

			written, err := embedFolder(cmd.Context(), st, pool, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d chunk(s) with %s\n", written, pool.ModelName())
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Chunks per embedding batch (0 = pool default)")
	cmd.Flags().BoolVar(&force, "force", false, "Regenerate embeddings that already exist")

	return cmd
}
