// Command tracer is the Tracer backend binary. It records file changes in
// watched folders to SQLite or PostgreSQL and serves the history over a REST
// API. It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracer/backend/internal/app"
	"github.com/tracer/backend/internal/config"
	"github.com/tracer/backend/internal/server/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tracer",
	Short:         "Record file changes in watched folders and serve their history",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Resume active watches and serve the REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load()
		if err != nil {
			return err
		}

		logger.Info("configuration loaded",
			slog.String("config_path", configPath),
			slog.String("http_addr", cfg.HTTPAddr),
			slog.String("database_driver", cfg.Database.Driver),
			slog.String("log_level", cfg.LogLevel),
			slog.Bool("metrics_enabled", cfg.Metrics.Enabled),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if err := a.Run(ctx); err != nil {
			return err
		}
		logger.Info("tracer exited cleanly")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns, logger)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", slog.String("driver", cfg.Database.Driver))
		return store.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (defaults apply when empty)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tracer: %v\n", err)
		os.Exit(1)
	}
}

// load reads the configuration and installs the default logger.
func load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
