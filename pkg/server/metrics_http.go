package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/NicolasHaas/parley/pkg/events"
)

// newMetricsEcho builds the handler for the metrics listener: /metrics in
// Prometheus text exposition format, /healthz, /audit and /moderation.
func (s *Server) newMetricsEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", s.handleMetrics)
	e.GET("/healthz", handleHealthz)
	e.GET("/audit", s.handleAudit)
	e.GET("/moderation", s.handleModeration)
	return e
}

// StartMetricsHTTP starts the metrics listener in the background. It shuts
// down when the server context is cancelled.
//
// Bind address is :9602 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}
	s.metricsEcho = s.newMetricsEcho()

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := s.metricsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = s.metricsEcho.Close()
	}()
}

func (s *Server) handleAudit(c echo.Context) error {
	recent := s.auditor.Recent()
	if recent == nil {
		recent = []events.ModerationEvent{}
	}
	return c.JSON(http.StatusOK, recent)
}

// handleModeration dumps the live admin and mute sets in the moderation
// file format.
func (s *Server) handleModeration(c echo.Context) error {
	data, err := ExportModerationYAML(s.moderation)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/yaml", data)
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(c echo.Context) error {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w := c.Response()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	// Write errors to the response are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("parley_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("parley_connections_active", "Current open WebSocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("parley_connections_total", "Lifetime WebSocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("parley_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("parley_users_online", "Usernames currently joined.", "gauge",
		int64(s.registry.Count()))

	write("parley_joins_total", "Successful joins.", "counter",
		m.Joins.Load())
	write("parley_sessions_replaced_total", "Sessions evicted by a duplicate join.", "counter",
		m.SessionsReplaced.Load())

	write("parley_public_messages_total", "Public messages broadcast.", "counter",
		m.PublicMessages.Load())
	write("parley_private_messages_total", "Private messages delivered.", "counter",
		m.PrivateMessages.Load())
	write("parley_frames_dropped_total", "Outbound frames dropped on a full send buffer.", "counter",
		m.FramesDropped.Load())
	write("parley_log_errors_total", "Failed message log operations.", "counter",
		m.LogErrors.Load())
	write("parley_history_trimmed_total", "History messages dropped to fit an outbound frame.", "counter",
		m.HistoryTrimmed.Load())

	write("parley_kicks_total", "Users kicked.", "counter",
		m.KickCount.Load())
	write("parley_mutes_total", "Mute commands applied.", "counter",
		m.MuteCount.Load())
	write("parley_deletes_total", "Public messages deleted by admins.", "counter",
		m.DeleteCount.Load())
	write("parley_denied_actions_total", "Moderation commands rejected by the admin gate.", "counter",
		m.DeniedActions.Load())
	return nil
}
