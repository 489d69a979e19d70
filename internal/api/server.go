/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tracevault/tracevault/internal/config"
	"github.com/tracevault/tracevault/internal/logging"
)

// Server wraps http.Server into a lifecycle unit with metrics registration
// and graceful shutdown.
type Server struct {
	HTTPServer      *http.Server
	Logger          logging.FieldLogger
	ShutdownTimeout time.Duration

	metrics *HTTPRequestMetrics
}

// NewServer creates a new Server serving the given handler.
func NewServer(cfg config.ServerConfig, logger logging.FieldLogger, handler http.Handler, metrics *HTTPRequestMetrics) *Server {
	return &Server{
		HTTPServer: &http.Server{
			Addr:         cfg.Address,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Handler:      handler,
		},
		Logger:          logger,
		ShutdownTimeout: cfg.ShutdownTimeout,
		metrics:         metrics,
	}
}

// Start starts the HTTP server in a blocking way. It is supposed to be called
// in a separate goroutine; a fatal error is sent to the passed channel.
func (s *Server) Start(fatalError chan<- error) {
	logger := s.Logger.With(
		logging.String("address", s.HTTPServer.Addr),
		logging.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		logging.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		logging.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	logger.Info("starting HTTP server...")

	if err := s.HTTPServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("HTTP server closed")
			return
		}
		logger.Error("HTTP server error", logging.Error(err))
		fatalError <- err
	}
}

// Stop stops the HTTP server, gracefully or not.
func (s *Server) Stop(gracefully bool) error {
	if !gracefully {
		s.Logger.Info("closing HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("HTTP server closing error", logging.Error(err))
			return err
		}
		return nil
	}

	s.Logger.Info("shutting down HTTP server...", logging.Duration("timeout", s.ShutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("HTTP server shutdown error", logging.Error(err))
		return err
	}
	return nil
}

// MustRegisterMetrics registers the server's HTTP request metrics.
func (s *Server) MustRegisterMetrics() {
	if s.metrics != nil {
		s.metrics.MustRegister()
	}
}

// UnregisterMetrics unregisters the server's HTTP request metrics.
func (s *Server) UnregisterMetrics() {
	if s.metrics != nil {
		s.metrics.Unregister()
	}
}
