// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayourtch/tplinker/discovery"
	"github.com/ayourtch/tplinker/protocol"
)

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	var (
		broadcast string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find devices on the local network by UDP broadcast",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if broadcast == "" {
				broadcast = opts.cfg.Discovery.BroadcastAddress
			}
			if wait <= 0 {
				wait = opts.cfg.Discovery.Timeout
			}

			devices, err := discovery.NewScanner(broadcast).Discover(cmd.Context(), wait)
			if err != nil {
				return err
			}
			sort.Slice(devices, func(i, j int) bool { return devices[i].Host() < devices[j].Host() })

			if opts.jsonOutput {
				type found struct {
					Host string           `json:"host"`
					Info protocol.SysInfo `json:"sysinfo"`
				}
				out := make([]found, 0, len(devices))
				for _, d := range devices {
					out = append(out, found{Host: d.Host(), Info: d.Info})
				}
				return printJSON(cmd, out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "HOST\tALIAS\tMODEL\tSTATE\tEMETER")
			for _, d := range devices {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					d.Host(), d.Name, d.Info.Model, onOff(d.Info.IsOn()), d.HasPowerMeasurement())
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&broadcast, "broadcast", "", "Broadcast address (default: discovery.broadcast_address from config)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "How long to collect answers (default: discovery.timeout from config)")
	return cmd
}

func newInfoCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			info, err := c.SysInfo(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd, info)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Alias:\t%s\n", info.Alias)
			_, _ = fmt.Fprintf(w, "Model:\t%s\n", info.Model)
			_, _ = fmt.Fprintf(w, "Type:\t%s\n", info.DeviceType())
			_, _ = fmt.Fprintf(w, "Device ID:\t%s\n", info.DeviceID)
			_, _ = fmt.Fprintf(w, "MAC:\t%s\n", info.MACAddress())
			_, _ = fmt.Fprintf(w, "Firmware:\t%s (hardware %s)\n", info.SoftwareVersion, info.HardwareVersion)
			_, _ = fmt.Fprintf(w, "State:\t%s\n", onOff(info.IsOn()))
			_, _ = fmt.Fprintf(w, "LED:\t%s\n", onOff(info.LEDOff == 0))
			_, _ = fmt.Fprintf(w, "Energy meter:\t%t\n", info.HasEmeter())
			for i, child := range info.Children {
				_, _ = fmt.Fprintf(w, "Plug %d:\t%s (%s)\n", i, child.Alias, onOff(child.State == 1))
			}
			return w.Flush()
		},
	}
}

// newRelayCmd builds the on or off command
func newRelayCmd(opts *globalOptions, on bool) *cobra.Command {
	var plug int

	cmd := &cobra.Command{
		Use:   onOff(on),
		Short: fmt.Sprintf("Switch the device %s", onOff(on)),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			if plug >= 0 {
				err = c.SetChildRelayState(cmd.Context(), plug, on)
			} else {
				err = c.SetRelayState(cmd.Context(), on)
			}
			if err != nil {
				return err
			}
			return done(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&plug, "plug", -1, "Outlet index on a power strip, starting at 0")
	return cmd
}

func newLEDCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "led on|off",
		Short:     "Turn the status LED on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			if err := c.SetLEDOff(cmd.Context(), args[0] == "off"); err != nil {
				return err
			}
			return done(cmd, opts)
		},
	}
}

func newAliasCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "alias NAME",
		Short: "Rename the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			if err := c.SetAlias(cmd.Context(), args[0]); err != nil {
				return err
			}
			return done(cmd, opts)
		},
	}
}

func newRebootCmd(opts *globalOptions) *cobra.Command {
	var delay int

	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Restart the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			if err := c.Reboot(cmd.Context(), delay); err != nil {
				return err
			}
			return done(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&delay, "delay", 1, "Seconds to wait before rebooting")
	return cmd
}

func newEmeterCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emeter",
		Short: "Read the energy meter",
	}

	realtime := &cobra.Command{
		Use:   "realtime",
		Short: "Show the instantaneous reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			reading, err := c.EmeterRealtime(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd, map[string]float64{
					"power_w":    reading.Watts(),
					"voltage_v":  reading.Volts(),
					"current_a":  reading.Amps(),
					"energy_kwh": reading.KWh(),
				})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Power: %.2f W\nVoltage: %.2f V\nCurrent: %.3f A\nEnergy: %.3f kWh\n",
				reading.Watts(), reading.Volts(), reading.Amps(), reading.KWh())
			return err
		},
	}

	now := time.Now()
	var year, month int

	day := &cobra.Command{
		Use:   "day",
		Short: "Show per-day energy totals for a month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			stats, err := c.EmeterDayStats(cmd.Context(), year, month)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	day.Flags().IntVar(&year, "year", now.Year(), "Year")
	day.Flags().IntVar(&month, "month", int(now.Month()), "Month, 1 to 12")

	monthCmd := &cobra.Command{
		Use:   "month",
		Short: "Show per-month energy totals for a year",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			stats, err := c.EmeterMonthStats(cmd.Context(), year)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	monthCmd.Flags().IntVar(&year, "year", now.Year(), "Year")

	cmd.AddCommand(realtime, day, monthCmd)
	return cmd
}

func newTimeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "time",
		Short: "Show the device clock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			t, err := c.Time(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd, t)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%04d-%02d-%02d %02d:%02d:%02d\n",
				t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
			return err
		},
	}
}

func newRawCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "raw JSON",
		Short: `Send a raw request such as '{"system":{"get_sysinfo":{}}}'`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.target()
			if err != nil {
				return err
			}
			resp, err := c.Raw(cmd.Context(), args[0])
			if resp != nil {
				if printErr := printJSON(cmd, resp); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
}

// done reports a successful command that has no result
func done(cmd *cobra.Command, opts *globalOptions) error {
	if opts.jsonOutput {
		return printJSON(cmd, map[string]bool{"ok": true})
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return err
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
