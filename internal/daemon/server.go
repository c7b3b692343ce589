// Package daemon runs the HTTP surface of foldermcp: a websocket endpoint
// carrying the duplex client protocol and a request-scoped REST API, both on
// a localhost listener. The daemon process is guarded by a locked pidfile
// and reacts to the usual POSIX signals.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
	"github.com/foldermcp/foldermcp/pkg/version"
)

// Options configures the daemon server.
type Options struct {
	// Addr is the listen address, default "127.0.0.1:9876".
	Addr string

	// PIDPath guards against a second daemon instance when non-empty.
	PIDPath string
}

// Server wires the orchestrator, FMDM broadcaster and model downloader into
// the HTTP surface.
type Server struct {
	echo       *echo.Echo
	orch       *orchestrator.Orchestrator
	bus        *fmdm.Broadcaster
	cfg        *config.Manager
	downloader *models.Downloader
	pidfile    *PIDFile
	log        *slog.Logger
	addr       string
	started    time.Time

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options, orch *orchestrator.Orchestrator, bus *fmdm.Broadcaster,
	cfg *config.Manager, downloader *models.Downloader, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:9876"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		orch:       orch,
		bus:        bus,
		cfg:        cfg,
		downloader: downloader,
		log:        log.With(slog.String("component", "daemon")),
		addr:       opts.Addr,
		started:    time.Now(),
		clients:    make(map[string]*wsClient),
	}
	if opts.PIDPath != "" {
		s.pidfile = NewPIDFile(opts.PIDPath)
	}

	e.GET("/ws", s.handleWS)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.Short()})
	})

	e.GET("/folders", s.handleListFolders)
	e.GET("/folders/:folderId/documents", s.handleListDocuments)
	e.GET("/folders/:folderId/documents/:docId", s.handleGetDocument)
	e.GET("/folders/:folderId/documents/:docId/outline", s.handleGetOutline)
	e.POST("/folders/:folderId/search", s.handleSearch)

	downloader.OnProgress(s.pushDownloadEvent)
	return s
}

// Run starts the listener and blocks until ctx is cancelled or a terminating
// signal arrives. SIGHUP and SIGUSR1 reload the configuration instead of
// stopping.
func (s *Server) Run(ctx context.Context) error {
	if s.pidfile != nil {
		if err := s.pidfile.Acquire(); err != nil {
			return err
		}
		defer func() { _ = s.pidfile.Release() }()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("daemon listening", slog.String("addr", s.addr))

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, trapSignals...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			switch {
			case isReloadSignal(sig):
				s.log.Info("reloading configuration", slog.String("signal", sig.String()))
				if err := s.cfg.Reload(); err != nil {
					s.log.Error("configuration reload failed", slog.Any("error", err))
				}
			case isNoopSignal(sig):
				s.log.Debug("ignoring signal", slog.String("signal", sig.String()))
			default:
				s.log.Info("shutting down", slog.String("signal", sig.String()))
				return s.shutdown()
			}
		}
	}
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// pushDownloadEvent forwards model download progress to every connected
// duplex client.
func (s *Server) pushDownloadEvent(ev models.ProgressEvent) {
	msg, err := push(string(ev.Kind), ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.send(msg)
	}
}

func (s *Server) register(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
