// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayourtch/tplinker/internal/devicetest"
	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/protocol"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) result {
	t.Helper()
	t.Setenv("TPLINKER_HOST", "")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append(args, "--log-level", "error"), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// plugDevice answers like a metering plug.
func plugDevice(t *testing.T) *devicetest.Device {
	t.Helper()
	return devicetest.Start(t, func(req protocol.Request) []byte {
		if _, ok := req[protocol.ModuleEmeter]; ok {
			return []byte(devicetest.PlugRealtime)
		}
		if methods, ok := req[protocol.ModuleSystem]; ok {
			if _, ok := methods["get_sysinfo"]; !ok {
				return []byte(`{"system":{"set_relay_state":{"err_code":0},"set_led_off":{"err_code":0},"set_dev_alias":{"err_code":0},"reboot":{"err_code":0}}}`)
			}
		}
		return []byte(devicetest.PlugSysInfo)
	})
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestInfo(t *testing.T) {
	dev := plugDevice(t)

	res := runCLI(t, "info", "--host", dev.Addr(), "--json")
	require.Equal(t, exitOK, res.code, res.stderr)

	var info protocol.SysInfo
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &info))
	assert.Equal(t, "8006ABCDEF0123456789", info.DeviceID)
	assert.Equal(t, "Kitchen", info.Alias)

	res = runCLI(t, "info", "--host", dev.Addr())
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "HS110(EU)")
	assert.Contains(t, res.stdout, "Energy meter:")
}

func TestRelayCommands(t *testing.T) {
	dev := plugDevice(t)

	res := runCLI(t, "off", "--host", dev.Addr())
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, "OK\n", res.stdout)

	requests := dev.Requests()
	require.NotEmpty(t, requests)
	state := requests[len(requests)-1][protocol.ModuleSystem]["set_relay_state"]
	assert.EqualValues(t, map[string]any{"state": float64(0)}, state)
}

func TestRelayCommands_PlugOutOfRange(t *testing.T) {
	dev := plugDevice(t)

	res := runCLI(t, "on", "--plug", "3", "--host", dev.Addr(), "--json")
	assert.Equal(t, exitGeneric, res.code)

	var report errorReport
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	assert.Equal(t, "generic", report.Kind)
	assert.Equal(t, "device plug index out of range", report.Error)
}

func TestEmeterRealtime(t *testing.T) {
	dev := plugDevice(t)

	res := runCLI(t, "emeter", "realtime", "--host", dev.Addr(), "--json")
	require.Equal(t, exitOK, res.code, res.stderr)

	var reading map[string]float64
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &reading))
	assert.InDelta(t, 115.0, reading["power_w"], 1e-9)
	assert.InDelta(t, 3.25, reading["energy_kwh"], 1e-9)
}

func TestExitCodes(t *testing.T) {
	unsupported := devicetest.Start(t, devicetest.Static(`{"emeter":{"get_realtime":{"err_code":-1,"err_msg":"module not support"}}}`))
	garbage := devicetest.Start(t, devicetest.Static("this is not json"))

	tests := []struct {
		name string
		args []string
		want int
		kind string
	}{
		{"device failure", []string{"emeter", "realtime", "--host", unsupported.Addr()}, exitDevice, "device"},
		{"transport failure", []string{"info", "--host", closedAddr(t), "--timeout", "500ms"}, exitTransport, "transport"},
		{"decode failure", []string{"info", "--host", garbage.Addr()}, exitDecode, "decode"},
		{"no target", []string{"info"}, exitGeneric, "generic"},
		{"empty alias", []string{"alias", "", "--host", garbage.Addr()}, exitGeneric, "generic"},
		{"bad month", []string{"emeter", "day", "--month", "13", "--host", garbage.Addr()}, exitGeneric, "generic"},
		{"invalid raw json", []string{"raw", "{not json", "--host", garbage.Addr()}, exitDecode, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, append(tt.args, "--json")...)
			assert.Equal(t, tt.want, res.code)

			var report errorReport
			require.NoError(t, json.Unmarshal([]byte(res.stdout), &report), res.stdout)
			assert.Equal(t, tt.kind, report.Kind)
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	res := runCLI(t, "explode")
	assert.Equal(t, exitGeneric, res.code)
	assert.Contains(t, res.stderr, "unknown command")
}

func TestExitCodes_DeviceReport(t *testing.T) {
	dev := devicetest.Start(t, devicetest.Static(`{"emeter":{"get_realtime":{"err_code":-1,"err_msg":"module not support"}}}`))

	res := runCLI(t, "emeter", "realtime", "--host", dev.Addr(), "--json")
	require.Equal(t, exitDevice, res.code)

	var report errorReport
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	require.NotNil(t, report.ErrCode)
	assert.Equal(t, int16(-1), *report.ErrCode)
	assert.Equal(t, "module not support", report.ErrMsg)
	assert.Equal(t, "Response data error: (-1) module not support", report.Error)

	res = runCLI(t, "emeter", "realtime", "--host", dev.Addr())
	assert.Equal(t, exitDevice, res.code)
	assert.Equal(t, "Error: Response data error: (-1) module not support\n", res.stderr)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"transport", tperr.NewTransportError(errors.New("refused")), exitTransport},
		{"decode", tperr.NewDecodeError(errors.New("bad json")), exitDecode},
		{"device", tperr.NewDeviceError(tperr.SectionError{Code: -3, Msg: "invalid argument"}), exitDevice},
		{"generic", tperr.New("oops"), exitGeneric},
		{"wrapped device", fmt.Errorf("switching: %w", tperr.NewDeviceError(tperr.SectionError{Code: -1})), exitDevice},
		{"plain", errors.New("flag needs an argument"), exitGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRaw(t *testing.T) {
	dev := plugDevice(t)

	res := runCLI(t, "raw", `{"system":{"get_sysinfo":{}}}`, "--host", dev.Addr())
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"deviceId": "8006ABCDEF0123456789"`)
}

func TestDeviceFromConfig(t *testing.T) {
	dev := plugDevice(t)
	path := filepath.Join(t.TempDir(), "tplinker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("devices:\n  - name: Kitchen\n    host: %s\n", dev.Addr())), 0600))

	res := runCLI(t, "--config", path, "info", "--device", "kitchen", "--json")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "8006ABCDEF0123456789")

	res = runCLI(t, "--config", path, "info", "--device", "garage")
	assert.Equal(t, exitGeneric, res.code)
	assert.Contains(t, res.stderr, `device "garage" is not in the configuration`)
}

func TestDiscover(t *testing.T) {
	responder := devicetest.StartUDP(t, devicetest.PlugSysInfo)

	res := runCLI(t, "discover", "--broadcast", responder.Addr(), "--wait", "300ms", "--json")
	require.Equal(t, exitOK, res.code, res.stderr)

	var found []struct {
		Host string           `json:"host"`
		Info protocol.SysInfo `json:"sysinfo"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "Kitchen", found[0].Info.Alias)

	res = runCLI(t, "discover", "--broadcast", responder.Addr(), "--wait", "300ms")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "HOST")
	assert.Contains(t, res.stdout, "Kitchen")
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("monitoring:\n  poll_interval: 10s\n"), 0600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mqtt:\n  poll_interval: 10s\n"), 0600))

	res := runCLI(t, "validate-config", good)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Configuration validation PASSED")
	assert.Contains(t, res.stdout, "Poll Interval: 10s")

	res = runCLI(t, "validate-config", bad)
	assert.Equal(t, exitGeneric, res.code)
	assert.Contains(t, res.stderr, "mqtt")

	res = runCLI(t, "validate-config")
	assert.Equal(t, exitGeneric, res.code)
}

func TestHealthCheck_NotConfigured(t *testing.T) {
	res := runCLI(t, "health-check")
	assert.Equal(t, exitGeneric, res.code)
	assert.Contains(t, res.stderr, "influxdb.url is not configured")
}
