package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/parley/pkg/logging"
	"github.com/NicolasHaas/parley/pkg/server"
	"github.com/NicolasHaas/parley/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	cfg, envErr := configFromEnv(server.DefaultConfig(), lookup)
	logOpts := logging.FromEnv(logging.Options{Level: "info", Format: "text", Service: "parley-server"})

	root := &cobra.Command{
		Use:           "parley-server",
		Short:         "parley chat server",
		Long:          "parley-server serves the parley WebSocket chat. Flag defaults are read from the environment (and an optional .env file).",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			logOpts.Output = os.Stdout
			if err := logging.Setup(logOpts); err != nil {
				fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
				return err
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(cfg)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&logOpts.Level, "log-level", logOpts.Level, "Log level: "+logging.LevelNames())
	f.StringVar(&logOpts.Format, "log-format", logOpts.Format, "Log format: text or json")
	f.StringVar(&cfg.Store, "store", cfg.Store, "Message log backend: sqlite or memory")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")

	sf := root.Flags()
	sf.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP/WebSocket bind address")
	sf.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	sf.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "Directory served at / (empty to disable)")
	sf.StringVar(&cfg.ModerationFile, "moderation-file", cfg.ModerationFile, "YAML file with admins and muted users, reloaded on change")
	sf.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated certificates and the ACME cache")
	sf.StringSliceVar(&cfg.Admins, "admins", cfg.Admins, "Initial admin usernames")
	sf.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "Allowed WebSocket origins (* for any, empty for same origin)")
	sf.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Serve HTTPS/WSS (self-signed unless --cert/--key are given)")
	sf.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	sf.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file")
	sf.StringVar(&cfg.AutocertDomain, "autocert-domain", cfg.AutocertDomain, "Obtain a Let's Encrypt certificate for this domain")
	sf.IntVar(&cfg.HistoryLimit, "history", cfg.HistoryLimit, "Public messages replayed on join")
	sf.IntVar(&cfg.MaxMessageLength, "max-message-length", cfg.MaxMessageLength, "Maximum message length in characters")
	sf.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "Outbound frames queued per connection before dropping")
	sf.DurationVar(&cfg.MetricsLogInterval, "metrics-log-interval", cfg.MetricsLogInterval, "Interval for the metrics summary log (0 to disable)")

	root.AddCommand(newExportCmd(&cfg), newVersionCmd())
	return root
}

func serve(cfg server.Config) error {
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		return err
	}

	log, err := server.OpenMessageLog(cfg)
	if err != nil {
		slog.Error("open message log", "store", cfg.Store, "err", err)
		return err
	}

	srv := server.New(cfg, server.Dependencies{Log: log})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of parley-server",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley-server %s\n", version.Full())
		},
	}
}
