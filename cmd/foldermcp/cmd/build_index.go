package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/embed"
	"github.com/foldermcp/foldermcp/internal/store"
)

func newBuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build-index <folder>",
		Short: "Rebuild the vector index from stored embeddings",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := requireFolder(args[0])
			if err != nil {
				return err
			}

			st, err := store.Open(folder)
			if err != nil {
				return err
			}

			_, count, err := buildFolderIndex(st, embed.HashModelName, embed.HashDimensions)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Index built: %d vector(s) in %s\n", count, st.VectorsDir())
			return nil
		},
	}
}
