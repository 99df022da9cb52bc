package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

const shutdownTimeout = 10 * time.Second

// Run starts the server and blocks until a shutdown signal or a fatal
// listener error.
func (s *Server) Run() error {
	if s.log == nil {
		return fmt.Errorf("server: missing message log dependency")
	}
	defer s.Shutdown()

	// Load moderation from YAML config if provided
	if s.cfg.ModerationFile != "" {
		if err := s.loadModeration(); err != nil {
			slog.Error("failed to load moderation file", "err", err)
		}
		if err := WatchModerationFile(s.ctx, s.cfg.ModerationFile, s.loadModeration); err != nil {
			slog.Error("failed to watch moderation file", "err", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serve()
	}()

	slog.Info("parley server running",
		"addr", s.cfg.ListenAddr,
		"tls", s.cfg.TLS || s.cfg.AutocertDomain != "",
		"store", s.cfg.Store,
		"admins", s.moderation.Admins(),
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging
	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		slog.Info("shutting down...")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	}
}

// serve runs the HTTP listener in the configured mode.
func (s *Server) serve() error {
	switch {
	case s.cfg.AutocertDomain != "":
		s.echo.AutoTLSManager.Prompt = autocert.AcceptTOS
		s.echo.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.AutocertDomain)
		s.echo.AutoTLSManager.Cache = autocert.DirCache(filepath.Join(s.cfg.DataDir, "autocert"))
		return s.echo.StartAutoTLS(s.cfg.ListenAddr)

	case s.cfg.TLS:
		cert, err := loadOrGenerateTLS(s.fs, s.cfg)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		srv := s.echo.TLSServer
		srv.Addr = s.cfg.ListenAddr
		srv.ReadHeaderTimeout = 10 * time.Second
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		return s.echo.StartServer(srv)

	default:
		srv := s.echo.Server
		srv.Addr = s.cfg.ListenAddr
		srv.ReadHeaderTimeout = 10 * time.Second
		return s.echo.StartServer(srv)
	}
}

// Shutdown gracefully stops the server. Open WebSocket connections are
// closed and the message log is released.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	if err := s.bus.Close(); err != nil {
		slog.Error("close event bus", "err", err)
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			slog.Error("close message log", "err", err)
		}
	}
}
