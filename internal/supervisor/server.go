package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the part of *http.Server that ServerService drives
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// ServerService keeps an HTTP server running inside the tree and drains its
// open requests when the tree stops
type ServerService struct {
	name         string
	server       Server
	drainTimeout time.Duration
	logger       *slog.Logger
}

func NewServerService(name string, server Server, drainTimeout time.Duration) *ServerService {
	return &ServerService{
		name:         name,
		server:       server,
		drainTimeout: drainTimeout,
		logger:       slog.Default().With("server", name),
	}
}

func (s *ServerService) Serve(ctx context.Context) error {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.server.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s stopped listening: %w", s.name, err)

	case <-ctx.Done():
		s.logger.Info("Draining server", "timeout", s.drainTimeout)
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout)
		defer cancel()

		if err := s.server.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("failed to drain %s: %w", s.name, err)
		}
		<-listenErr
		s.logger.Info("Server drained")
		return ctx.Err()
	}
}

func (s *ServerService) String() string {
	return s.name
}
