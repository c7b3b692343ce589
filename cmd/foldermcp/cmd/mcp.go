package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/logging"
	mcpbridge "github.com/foldermcp/foldermcp/internal/mcp"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP stdio bridge",
		Long: `Serves the Model Context Protocol over stdio for AI assistants.
Stdout carries the JSON-RPC stream exclusively; logs go to the bridge
log file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stdout must stay protocol-clean from here on.
			cleanup, err := logging.SetupBridgeMode()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.Default()

			cfgMgr, err := config.NewManager(configPath, logger)
			if err != nil {
				return err
			}

			bus := fmdm.New(logger)
			defer bus.Close()

			downloader := models.NewDownloader(config.ModelsDir(), config.ModelHost(), logger)

			orch := orchestrator.New(cfgMgr, bus, downloader, logger)
			defer orch.Close()
			orch.Restore(ctx)

			bridge := mcpbridge.NewBridge(orch, bus, logger)
			return bridge.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Fleet configuration file")

	return cmd
}
