package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <folder>",
		Short: "Watch a folder and print debounced change events",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := requireFolder(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := cliLogger()
			w, err := watcher.New(folder, watcher.Options{}, log)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			go func() {
				for ev := range w.Events() {
					fmt.Fprintf(out, "%s\t%s\t%s\n",
						ev.Timestamp.Format("15:04:05.000"), ev.Kind, ev.Path)
				}
			}()
			go func() {
				for err := range w.Errors() {
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
				}
			}()

			fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", folder)
			return w.Start(ctx)
		},
	}
}
