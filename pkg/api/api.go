// Package api serves read-only queries over stored measurement results.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/privacy-extensions/privext/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	httpServer *http.Server
	limiters   []*rateLimiterMap
	wg         sync.WaitGroup
}

// NewServer creates a new API server over a started store.
func NewServer(log logrus.FieldLogger, cfg *config.APIConfig, st store.Store) Server {
	return &server{
		log:   log.WithField("component", "api"),
		cfg:   cfg,
		store: st,
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. The store is owned by the
// caller.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	for _, l := range s.limiters {
		l.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
