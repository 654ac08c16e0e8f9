// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command tplinker controls TP-Link Kasa smart plugs and logs their energy
// meters to InfluxDB.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayourtch/tplinker/client"
	"github.com/ayourtch/tplinker/config"
	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/logger"
)

var version = "dev"

// Exit codes by failure kind. Anything that is not a device failure, such
// as a bad flag or configuration file, exits with exitGeneric.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitTransport = 2
	exitDecode    = 3
	exitDevice    = 4
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	host       string
	device     string
	timeout    time.Duration
	jsonOutput bool
	logLevel   string
	logFormat  string

	cfg *config.Config
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &globalOptions{}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	reportError(opts, stdout, stderr, err)
	return exitCode(err)
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "tplinker",
		Short:         "Control TP-Link Kasa smart plugs and log their energy meters",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML, or TOML by extension)")
	flags.StringVarP(&opts.host, "host", "H", os.Getenv("TPLINKER_HOST"), "Device address, host or host:port (default: $TPLINKER_HOST)")
	flags.StringVarP(&opts.device, "device", "d", "", "Device name from the configuration file")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Per-command timeout (default: client.timeout from config)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print results and errors as JSON")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (default: logging.level from config)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format, console or json (default: logging.format from config)")

	root.AddCommand(
		newDiscoverCmd(opts),
		newInfoCmd(opts),
		newRelayCmd(opts, true),
		newRelayCmd(opts, false),
		newLEDCmd(opts),
		newAliasCmd(opts),
		newRebootCmd(opts),
		newEmeterCmd(opts),
		newTimeCmd(opts),
		newRawCmd(opts),
		newMonitorCmd(opts),
		newValidateConfigCmd(opts),
		newHealthCheckCmd(opts),
	)
	return root
}

// load reads the configuration file, if any, and sets up logging.
func (o *globalOptions) load() error {
	if o.configPath == "" {
		o.cfg = config.Default()
	} else {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	}

	level := o.cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	format := o.cfg.Logging.Format
	if o.logFormat != "" {
		format = o.logFormat
	}
	logger.Initialize(level, format)

	if o.timeout > 0 {
		o.cfg.Client.Timeout = o.timeout
	}
	return nil
}

// target returns a client for the device named by --host or --device.
func (o *globalOptions) target() (*client.Client, error) {
	host := o.host
	if o.device != "" {
		device, ok := o.cfg.DeviceByName(o.device)
		if !ok {
			return nil, tperr.Errorf("device %q is not in the configuration", o.device)
		}
		host = device.Host
	}
	if host == "" {
		return nil, tperr.New("no device given: use --host or --device")
	}

	c := o.cfg.Client
	return client.New(host,
		client.WithTimeout(c.Timeout),
		client.WithMaxFrameSize(c.MaxFrameSize),
		client.WithRateLimit(c.RateLimit, c.RateBurst),
	), nil
}

// printJSON writes v as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorReport is the JSON shape of a failed command
type errorReport struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	ErrCode *int16 `json:"err_code,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

func reportError(opts *globalOptions, stdout, stderr io.Writer, err error) {
	report := errorReport{Error: err.Error(), Kind: "other"}
	if kind, ok := tperr.KindOf(err); ok {
		report.Kind = kind.String()
	}
	if section, ok := tperr.GetSectionError(err); ok {
		report.ErrCode = &section.Code
		report.ErrMsg = section.Msg
	}

	if opts.jsonOutput {
		data, marshalErr := json.Marshal(report)
		if marshalErr == nil {
			_, _ = fmt.Fprintln(stdout, string(data))
			return
		}
	}
	_, _ = fmt.Fprintf(stderr, "Error: %s\n", report.Error)
}

// exitCode maps a failure to the process exit code
func exitCode(err error) int {
	var tpErr tperr.Error
	if !errors.As(err, &tpErr) {
		return exitGeneric
	}
	switch tpErr.Kind() {
	case tperr.KindTransport:
		return exitTransport
	case tperr.KindDecode:
		return exitDecode
	case tperr.KindDevice:
		return exitDevice
	default:
		return exitGeneric
	}
}
