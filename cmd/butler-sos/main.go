package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/migrate"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/relay"
	"github.com/ptarmiganlabs/butler-sos-sub004/internal/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// settings resolves flags over BUTLER_SOS_* environment variables.
func settings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("BUTLER_SOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	return v, nil
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "butler-sos",
		Short: "Operational metrics delivery relay",
		Long: `butler-sos buffers operational events pushed by collectors,
delivers them in batches to a telemetry endpoint, and writes its own
delivery and error metrics to the configured destinations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().String(
		"config", "",
		"path to config file (required, env BUTLER_SOS_CONFIG)",
	)
	cmd.PersistentFlags().String(
		"log-level", "",
		"override log level (trace, debug, info, warn, error)",
	)
	cmd.PersistentFlags().String(
		"log-format", "",
		"override log format (text, json)",
	)

	cmd.AddCommand(versionCmd(), migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

// setup loads the config and builds the logger for cmd.
func setup(cmd *cobra.Command) (*relay.Config, *logrus.Logger, error) {
	v, err := settings(cmd)
	if err != nil {
		return nil, nil, err
	}

	cfgFile := v.GetString("config")
	if cfgFile == "" {
		return nil, nil, errors.New(`required flag "config" not set`)
	}

	cfg, err := relay.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flag and environment override config file.
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	if format := v.GetString("log-format"); format != "" {
		cfg.LogFormat = format
	}

	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	return cfg, log, nil
}

func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()

	switch format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	log.SetLevel(lvl)

	return log, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	r, err := relay.New(log, cfg, nil)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting butler-sos relay")

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down butler-sos relay")

	if err := r.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping relay: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse points schema",
	}

	newMigrator := func(cmd *cobra.Command) (migrate.Migrator, *logrus.Logger, error) {
		cfg, log, err := setup(cmd)
		if err != nil {
			return nil, nil, err
		}

		ch := cfg.Destinations.ClickHouse
		if ch.Endpoint == "" {
			return nil, nil, errors.New("destinations.clickhouse.endpoint is required for migrations")
		}

		return migrate.New(log, migrate.DSN(ch)), log, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, _, err := newMigrator(cmd)
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, _, err := newMigrator(cmd)
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, log, err := newMigrator(cmd)
				if err != nil {
					return err
				}

				v, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				log.WithFields(logrus.Fields{
					"version": v,
					"dirty":   dirty,
				}).Info("Migration status")

				return nil
			},
		},
	)

	return cmd
}
