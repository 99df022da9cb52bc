package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/parley/pkg/server"
)

// configFromEnv overlays environment variables on cfg.
//
//	PORT                    listen port (":" + PORT)
//	PARLEY_LISTEN           full listen address, wins over PORT
//	PARLEY_METRICS_ADDR     metrics listener ("" disables)
//	PARLEY_STORE            sqlite | memory
//	PARLEY_DB               SQLite path
//	PARLEY_STATIC_DIR       directory served at /
//	PARLEY_MODERATION_FILE  YAML moderation file
//	PARLEY_DATA_DIR         certificates and ACME cache
//	PARLEY_ADMINS           comma-separated admin names
//	PARLEY_ALLOWED_ORIGINS  comma-separated WebSocket origins
//	PARLEY_AUTOCERT_DOMAIN  ACME domain
//	PARLEY_HISTORY_LIMIT    public messages replayed on join
//	PARLEY_MAX_MESSAGE_LEN  message length limit
//	PARLEY_METRICS_INTERVAL metrics summary log interval (Go duration)
func configFromEnv(cfg server.Config, lookup func(string) (string, bool)) (server.Config, error) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		cfg.ListenAddr = ":" + strings.TrimSpace(v)
	}
	str("PARLEY_LISTEN", &cfg.ListenAddr)
	str("PARLEY_METRICS_ADDR", &cfg.MetricsAddr)
	str("PARLEY_STORE", &cfg.Store)
	str("PARLEY_DB", &cfg.DBPath)
	str("PARLEY_STATIC_DIR", &cfg.StaticDir)
	str("PARLEY_MODERATION_FILE", &cfg.ModerationFile)
	str("PARLEY_DATA_DIR", &cfg.DataDir)
	str("PARLEY_AUTOCERT_DOMAIN", &cfg.AutocertDomain)
	list("PARLEY_ADMINS", &cfg.Admins)
	list("PARLEY_ALLOWED_ORIGINS", &cfg.AllowedOrigins)

	for key, dst := range map[string]*int{
		"PARLEY_HISTORY_LIMIT":   &cfg.HistoryLimit,
		"PARLEY_MAX_MESSAGE_LEN": &cfg.MaxMessageLength,
	} {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	if v, ok := lookup("PARLEY_METRICS_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("PARLEY_METRICS_INTERVAL: %w", err)
		}
		cfg.MetricsLogInterval = d
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
