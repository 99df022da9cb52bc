// Package logging configures slog for the parley server and client.
//
// Levels from most to least verbose: debug, info, warn, error. Every record
// carries a "service" attribute when Options.Service is set, so server and
// client output can share one sink.
//
//	logging.Setup(logging.Options{Level: "debug", Format: "json", Service: "parley-server"})
//	slog.Info("client joined", "user", "alice")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment variables read by FromEnv.
const (
	EnvLevel  = "LOG_LEVEL"
	EnvFormat = "LOG_FORMAT"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"":        slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Options controls how a logger is built.
type Options struct {
	Level   string    // debug, info, warn, error (default info)
	Format  string    // text or json (default text)
	Output  io.Writer // default os.Stdout
	Service string    // added to every record as "service"
}

// LevelNames lists the accepted level names for help text.
func LevelNames() string {
	return "debug, info, warn, error"
}

// ParseLevel maps a level name to slog.Level. Names are case-insensitive.
func ParseLevel(level string) (slog.Level, error) {
	l, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
	return l, nil
}

// New builds a logger from opts without touching the default logger.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q (valid: text, json)", opts.Format)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	return logger, nil
}

// Setup installs a logger built from opts as the slog default.
func Setup(opts Options) error {
	logger, err := New(opts)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// FromEnv overlays LOG_LEVEL and LOG_FORMAT on defaults.
func FromEnv(defaults Options) Options {
	opts := defaults
	if v, ok := os.LookupEnv(EnvLevel); ok {
		opts.Level = v
	}
	if v, ok := os.LookupEnv(EnvFormat); ok {
		opts.Format = v
	}
	return opts
}
