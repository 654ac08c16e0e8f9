// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayourtch/tplinker/app"
	"github.com/ayourtch/tplinker/config"
	"github.com/ayourtch/tplinker/pkg/logger"
	"github.com/ayourtch/tplinker/storage"
)

const healthCheckTimeout = 5 * time.Second

func newMonitorCmd(opts *globalOptions) *cobra.Command {
	var metricsAddress string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll energy meters and log readings to InfluxDB until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if metricsAddress != "" {
				cfg.Server.MetricsAddress = metricsAddress
			}
			// Flags can bypass Load, so check the result again
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			logger.Info().Str("version", version).Msg("Starting tplinker power logger")
			logger.Info().
				Bool("discovery", cfg.Discovery.Enabled).
				Dur("discovery_interval", cfg.Discovery.Interval).
				Dur("poll_interval", cfg.Monitoring.PollInterval).
				Int("static_devices", len(cfg.Devices)).
				Bool("influxdb", cfg.InfluxDB.Enabled()).
				Msg("Configuration loaded")

			application, err := app.New(cfg, opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			stopDebug := setupDebugSignalHandlers(application)
			defer stopDebug()
			return application.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Listen address for /metrics, /health and /ready (default: server.metrics_address from config)")
	return cmd
}

func newValidateConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [PATH]",
		Short: "Validate a configuration file and print a summary",
		Args:  cobra.MaximumNArgs(1),
		// The file is the argument, so do not load it before validating it
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no configuration file given: pass PATH or --config")
			}

			if err := config.ValidateWithSchema(path); err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(cmd, map[string]any{"valid": true, "path": path})
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Configuration validation PASSED")
			_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
			_, _ = fmt.Fprintf(out, "  Static devices: %d\n", len(cfg.Devices))
			for _, d := range cfg.Devices {
				_, _ = fmt.Fprintf(out, "    %s: %s\n", d.Name, d.Host)
			}
			_, _ = fmt.Fprintf(out, "  Discovery: %t (every %s, broadcast %s)\n",
				cfg.Discovery.Enabled, cfg.Discovery.Interval, cfg.Discovery.BroadcastAddress)
			_, _ = fmt.Fprintf(out, "  Poll Interval: %s\n", cfg.Monitoring.PollInterval)
			_, _ = fmt.Fprintf(out, "  Client Timeout: %s\n", cfg.Client.Timeout)
			if cfg.InfluxDB.Enabled() {
				_, _ = fmt.Fprintf(out, "  InfluxDB: %s (org %s, bucket %s)\n",
					cfg.InfluxDB.URL, cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
			} else {
				_, _ = fmt.Fprintln(out, "  InfluxDB: disabled")
			}
			_, _ = fmt.Fprintf(out, "  Log Level: %s\n", cfg.Logging.Level)
			_, _ = fmt.Fprintf(out, "  Metrics Address: %s\n", cfg.Server.MetricsAddress)
			return nil
		},
	}
}

func newHealthCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Check that the configured InfluxDB is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if !cfg.InfluxDB.Enabled() {
				return errors.New("health check failed: influxdb.url is not configured")
			}

			db, err := storage.NewInfluxDBStorage(
				cfg.InfluxDB.URL,
				cfg.InfluxDB.Token,
				cfg.InfluxDB.Organization,
				cfg.InfluxDB.Bucket,
				storage.WithStartupTimeout(healthCheckTimeout),
			)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), healthCheckTimeout)
			defer cancel()
			if err := db.Health(ctx); err != nil {
				return fmt.Errorf("health check failed: InfluxDB is unhealthy: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Health check passed: InfluxDB is healthy")
			return err
		},
	}
}
