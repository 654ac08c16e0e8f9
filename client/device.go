// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package client

import (
	"context"
	"unicode/utf8"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/protocol"
)

// maxAliasLength is the longest alias the device firmware accepts.
const maxAliasLength = 31

// call sends req and decodes the module.method section into v.
func (c *Client) call(ctx context.Context, req protocol.Request, module, method string, v any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Section(module, method, v); err != nil {
		return c.fail("", err)
	}
	return nil
}

// SysInfo returns the device description and relay state.
func (c *Client) SysInfo(ctx context.Context) (*protocol.SysInfo, error) {
	var info protocol.SysInfo
	if err := c.call(ctx, protocol.GetSysInfo(), protocol.ModuleSystem, "get_sysinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetRelayState switches the device on or off.
func (c *Client) SetRelayState(ctx context.Context, on bool) error {
	return c.call(ctx, protocol.SetRelayState(on), protocol.ModuleSystem, "set_relay_state", nil)
}

// SetChildRelayState switches one outlet of a power strip, by zero-based index.
func (c *Client) SetChildRelayState(ctx context.Context, index int, on bool) error {
	info, err := c.SysInfo(ctx)
	if err != nil {
		return err
	}
	childID, ok := info.ChildID(index)
	if !ok {
		return tperr.New("device plug index out of range")
	}
	req := protocol.SetRelayState(on).WithChildren(childID)
	return c.call(ctx, req, protocol.ModuleSystem, "set_relay_state", nil)
}

// SetLEDOff turns the status LED off (true) or back on (false).
func (c *Client) SetLEDOff(ctx context.Context, off bool) error {
	return c.call(ctx, protocol.SetLEDOff(off), protocol.ModuleSystem, "set_led_off", nil)
}

// SetAlias renames the device.
func (c *Client) SetAlias(ctx context.Context, alias string) error {
	if alias == "" {
		return tperr.New("alias must not be empty")
	}
	if utf8.RuneCountInString(alias) > maxAliasLength {
		return tperr.Errorf("alias must be at most %d characters", maxAliasLength)
	}
	return c.call(ctx, protocol.SetAlias(alias), protocol.ModuleSystem, "set_dev_alias", nil)
}

// Reboot restarts the device after delay seconds.
func (c *Client) Reboot(ctx context.Context, delay int) error {
	if delay < 0 {
		return tperr.New("reboot delay must not be negative")
	}
	return c.call(ctx, protocol.Reboot(delay), protocol.ModuleSystem, "reboot", nil)
}

// EmeterRealtime returns the instantaneous energy meter reading.
// Devices without a meter answer with a DeviceError.
func (c *Client) EmeterRealtime(ctx context.Context) (*protocol.EmeterRealtime, error) {
	var reading protocol.EmeterRealtime
	if err := c.call(ctx, protocol.GetRealtime(), protocol.ModuleEmeter, "get_realtime", &reading); err != nil {
		return nil, err
	}
	return &reading, nil
}

// EmeterDayStats returns per-day energy totals for a month.
func (c *Client) EmeterDayStats(ctx context.Context, year, month int) ([]protocol.DayStat, error) {
	if month < 1 || month > 12 {
		return nil, tperr.Errorf("month %d out of range", month)
	}
	var stats protocol.DayStats
	if err := c.call(ctx, protocol.GetDayStats(year, month), protocol.ModuleEmeter, "get_daystat", &stats); err != nil {
		return nil, err
	}
	return stats.Days, nil
}

// EmeterMonthStats returns per-month energy totals for a year.
func (c *Client) EmeterMonthStats(ctx context.Context, year int) ([]protocol.MonthStat, error) {
	var stats protocol.MonthStats
	if err := c.call(ctx, protocol.GetMonthStats(year), protocol.ModuleEmeter, "get_monthstat", &stats); err != nil {
		return nil, err
	}
	return stats.Months, nil
}

// Time returns the device clock.
func (c *Client) Time(ctx context.Context) (*protocol.DeviceTime, error) {
	var t protocol.DeviceTime
	if err := c.call(ctx, protocol.GetTime(), protocol.ModuleTime, "get_time", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Raw sends a caller-supplied JSON request and returns the reply.
// A failing section in the reply is returned as a DeviceError alongside it.
func (c *Client) Raw(ctx context.Context, request string) (protocol.Response, error) {
	req, err := protocol.ParseRequest([]byte(request))
	if err != nil {
		return nil, c.fail("", err)
	}
	if len(req.Calls()) == 0 {
		return nil, tperr.New("request must name at least one module and method")
	}

	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Check(); err != nil {
		return resp, c.fail("", err)
	}
	return resp, nil
}
