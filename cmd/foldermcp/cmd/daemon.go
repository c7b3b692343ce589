package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/daemon"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/logging"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
)

func newDaemonCmd() *cobra.Command {
	var addr string
	var configPath string
	var pidPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the foldermcp daemon",
		Long: `Starts the daemon: restores configured folders, watches them for
changes, and serves the websocket duplex protocol plus the REST API on a
localhost listener. SIGTERM/SIGINT shut it down, SIGHUP reloads the
configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), addr, configPath, pidPath)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.ListenAddr(""), "Listen address (default 127.0.0.1:9876)")
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Fleet configuration file")
	cmd.Flags().StringVar(&pidPath, "pid-file", config.PIDPath(), "PID file path")

	return cmd
}

func runDaemon(ctx context.Context, addr, configPath, pidPath string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

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

	srv := daemon.NewServer(daemon.Options{Addr: addr, PIDPath: pidPath},
		orch, bus, cfgMgr, downloader, logger)
	return srv.Run(ctx)
}
