// Package cmd provides the CLI commands for foldermcp.
package cmd

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/pkg/version"
)

// debugMode is set by the persistent --debug flag and consulted by every
// command's logging setup.
var debugMode bool

// usageError marks a bad invocation so Execute can exit 2 instead of 1.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// exactArgs is cobra.ExactArgs with usage-error exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// NewRootCmd creates the root command for the foldermcp CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foldermcp",
		Short: "Local document indexing daemon with semantic search",
		Long: `foldermcp watches folders, chunks and embeds their documents, and serves
semantic search to AI assistants over MCP, websocket and REST.

Run 'foldermcp daemon' to start the daemon, or use the standalone
pipeline commands (index, embeddings, build-index, search) to work on a
single folder without it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("foldermcp version {{.Version}}\n")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newEmbeddingsCmd())
	cmd.AddCommand(newBuildIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and maps errors to exit codes: 0 success,
// 1 runtime failure, 2 bad invocation.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var uerr *usageError
		if stderrors.As(err, &uerr) {
			return 2
		}
		return 1
	}
	return 0
}

// cliLogger returns the logger for the standalone pipeline commands: stderr
// only, warnings by default so stdout stays clean for command output.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if debugMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// requireFolder resolves and validates a folder argument.
func requireFolder(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", usageErrorf("resolving %s: %v", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", usageErrorf("folder %s does not exist", path)
	}
	if !info.IsDir() {
		return "", usageErrorf("%s is not a directory", path)
	}
	return abs, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
