package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opine/edgesync/internal/utils"
)

// Config configures the status API.
type Config struct {
	Addr  string
	Token string
}

type Server struct {
	config *Config
	server *http.Server
}

func New(config *Config, source SnapshotSource) *Server {
	httpServer := &http.Server{
		Addr:              config.Addr,
		Handler:           SetupRoutes(source, config.Token),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	return &Server{
		config: config,
		server: httpServer,
	}
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("status api start", "addr", fmt.Sprintf("http://%s", s.config.Addr), "token", utils.MaskSecret(s.config.Token))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start status api: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("status api stop")
	return s.server.Shutdown(ctx)
}
