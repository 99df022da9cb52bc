// Package server implements the parley chat server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/afero"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/events"
	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/store"
)

// Store kinds accepted by Config.Store.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string   `validate:"required"` // HTTP/WebSocket bind address (e.g. ":3000")
	MetricsAddr    string   // HTTP bind address for /metrics (empty = disabled)
	Store          string   `validate:"oneof=sqlite memory"`      // message log backend
	DBPath         string   `validate:"required_if=Store sqlite"` // SQLite database path
	StaticDir      string   // directory served at / (empty = none)
	ModerationFile string   // YAML file with admins and muted users
	DataDir        string   `validate:"required"`             // directory for generated certs and ACME cache
	Admins         []string `validate:"dive,required,max=32"` // initial admins
	AllowedOrigins []string // WebSocket origins ("*" = any, empty = same origin)

	TLS            bool   // serve HTTPS/WSS with CertFile/KeyFile or a generated self-signed pair
	CertFile       string // TLS certificate file path
	KeyFile        string // TLS private key file path
	AutocertDomain string `validate:"omitempty,fqdn"` // obtain certificates from Let's Encrypt for this domain

	HistoryLimit       int           `validate:"gte=0,lte=1000"`
	MaxMessageLength   int           `validate:"gt=0,lte=16384"`
	SendBuffer         int           `validate:"gt=0,lte=65536"`
	MetricsLogInterval time.Duration `validate:"gte=0"`
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Log and will Close() it on shutdown.
type Dependencies struct {
	Log datastore.MessageLog
	Fs  afero.Fs         // filesystem for the moderation file (default: OS)
	Now func() time.Time // clock for timestamps (default: time.Now)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":3000",
		MetricsAddr:        ":9602",
		Store:              StoreSQLite,
		DBPath:             "parley.db",
		DataDir:            ".",
		Admins:             []string{"hafeez", "adminUser"},
		HistoryLimit:       50,
		MaxMessageLength:   model.DefaultMaxMessageLength,
		SendBuffer:         256,
		MetricsLogInterval: 60 * time.Second,
	}
}

// Validate checks cfg against its struct tags.
func (cfg Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	if cfg.AutocertDomain != "" && cfg.TLS {
		return fmt.Errorf("server: invalid config: --tls and --autocert-domain are mutually exclusive")
	}
	return nil
}

// OpenMessageLog opens the message log selected by cfg.Store.
func OpenMessageLog(cfg Config) (datastore.MessageLog, error) {
	switch cfg.Store {
	case StoreMemory:
		return store.NewMemory(), nil
	case StoreSQLite, "":
		return datastore.NewSQLLog(cfg.DBPath)
	default:
		return nil, fmt.Errorf("server: unknown store %q", cfg.Store)
	}
}

// Server is the main parley server.
type Server struct {
	cfg         Config
	fs          afero.Fs
	log         datastore.MessageLog
	registry    *Registry
	moderation  *Moderation
	router      *Router
	coordinator *Coordinator
	metrics     *Metrics
	bus         *events.Bus
	auditor     *Auditor
	upgrader    *websocket.Upgrader
	echo        *echo.Echo
	metricsEcho *echo.Echo
	ctx         context.Context
	cancel      context.CancelFunc

	shutdownOnce sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	moderation := NewModeration(cfg.Admins...)
	router := NewRouter(registry, metrics)
	bus := events.NewBus()

	s := &Server{
		cfg:        cfg,
		fs:         deps.Fs,
		log:        deps.Log,
		registry:   registry,
		moderation: moderation,
		router:     router,
		metrics:    metrics,
		bus:        bus,
		auditor:    NewAuditor(auditCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.coordinator = NewCoordinator(CoordinatorConfig{
		HistoryLimit:     cfg.HistoryLimit,
		MaxMessageLength: cfg.MaxMessageLength,
	}, CoordinatorDeps{
		Registry:   registry,
		Moderation: moderation,
		Router:     router,
		Log:        deps.Log,
		Bus:        bus,
		Metrics:    metrics,
		Now:        deps.Now,
	})
	if err := s.auditor.Start(ctx, bus); err != nil {
		slog.Error("audit subscriber", "err", err)
	}
	s.upgrader = s.newUpgrader()
	s.echo = s.newEcho()
	return s
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/ws", s.handleWS)
	e.GET("/healthz", handleHealthz)
	if s.cfg.StaticDir != "" {
		e.Static("/", s.cfg.StaticDir)
	}
	return e
}

func handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok\n")
}

// Handler returns the HTTP handler serving /ws, /healthz and static files.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Moderation returns the moderation state.
func (s *Server) Moderation() *Moderation {
	return s.moderation
}

// Registry returns the identity registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Auditor returns the moderation audit trail.
func (s *Server) Auditor() *Auditor {
	return s.auditor
}
