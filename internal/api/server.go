package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/export"
	"github.com/heimdex/heimdex-composer/internal/logging"
	"github.com/heimdex/heimdex-composer/internal/media"
	"github.com/heimdex/heimdex-composer/internal/playback"
	"github.com/heimdex/heimdex-composer/internal/segments"
	"github.com/heimdex/heimdex-composer/internal/subtitles"
)

// ExportIndex is the read side of published exports.
type ExportIndex interface {
	GetExport(ctx context.Context, analysisID, filename string) (*catalog.ExportRecord, error)
	ListExports(ctx context.Context, analysisID string) ([]*catalog.ExportRecord, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port             int
	Catalog          catalog.CatalogService
	Exports          ExportIndex
	Subtitles        *subtitles.Engine
	Segments         *segments.Store
	Runner           *export.Runner
	Playback         *playback.Server
	Doctor           *media.CachedDoctor
	ExportsDir       string
	MinFreeDiskBytes uint64
	DiskFree         export.DiskFree
	Logger           *slog.Logger
	StartTime        time.Time
	Version          string
}

func NewServer(cfg ServerConfig) *Server {
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			// Synchronous exports and large downloads hold the response open.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: logging.WithComponent(cfg.Logger, "http"),
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
