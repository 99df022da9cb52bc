package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current open WebSocket connections
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	Joins             atomic.Int64 // successful joins
	SessionsReplaced  atomic.Int64 // sessions evicted by a duplicate join

	// Chat counters
	PublicMessages  atomic.Int64 // public messages broadcast
	PrivateMessages atomic.Int64 // private messages routed
	FramesDropped   atomic.Int64 // frames dropped on a full send buffer
	LogErrors       atomic.Int64 // message log operations that failed
	HistoryTrimmed  atomic.Int64 // history messages dropped to fit a frame

	// Moderation counters
	KickCount     atomic.Int64 // users kicked
	MuteCount     atomic.Int64 // mute commands applied
	DeleteCount   atomic.Int64 // public messages deleted by admins
	DeniedActions atomic.Int64 // moderation commands rejected by the admin gate
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Joins             int64 `json:"joins"`
	SessionsReplaced  int64 `json:"sessions_replaced"`

	PublicMessages  int64 `json:"public_messages"`
	PrivateMessages int64 `json:"private_messages"`
	FramesDropped   int64 `json:"frames_dropped"`
	LogErrors       int64 `json:"log_errors"`
	HistoryTrimmed  int64 `json:"history_trimmed"`

	KickCount     int64 `json:"kick_count"`
	MuteCount     int64 `json:"mute_count"`
	DeleteCount   int64 `json:"delete_count"`
	DeniedActions int64 `json:"denied_actions"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Joins:             m.Joins.Load(),
		SessionsReplaced:  m.SessionsReplaced.Load(),
		PublicMessages:    m.PublicMessages.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		FramesDropped:     m.FramesDropped.Load(),
		LogErrors:         m.LogErrors.Load(),
		HistoryTrimmed:    m.HistoryTrimmed.Load(),
		KickCount:         m.KickCount.Load(),
		MuteCount:         m.MuteCount.Load(),
		DeleteCount:       m.DeleteCount.Load(),
		DeniedActions:     m.DeniedActions.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"public_msgs", s.PublicMessages,
		"private_msgs", s.PrivateMessages,
		"frames_dropped", s.FramesDropped,
		"log_errors", s.LogErrors,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
