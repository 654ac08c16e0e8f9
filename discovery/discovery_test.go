// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayourtch/tplinker/internal/devicetest"
	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/protocol"
)

func TestNewScanner(t *testing.T) {
	scanner := NewScanner("")

	require.NotNil(t, scanner)
	assert.Equal(t, "255.255.255.255:9999", scanner.broadcastAddr)
	assert.Empty(t, scanner.devices)

	scanner = NewScanner("192.168.1.255:9999")
	assert.Equal(t, "192.168.1.255:9999", scanner.broadcastAddr)
}

func TestDevice_HasPowerMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		feature string
		want    bool
	}{
		{"plug with meter", "TIM:ENE", true},
		{"meter only", "ENE", true},
		{"timer only", "TIM", false},
		{"empty feature", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &Device{Info: protocol.SysInfo{Feature: tt.feature}}
			assert.Equal(t, tt.want, device.HasPowerMeasurement())
		})
	}
}

func TestDevice_GetDeviceID(t *testing.T) {
	tests := []struct {
		name   string
		device *Device
		want   string
	}{
		{
			name: "device id from sysinfo",
			device: &Device{
				Address: net.ParseIP("192.168.1.100"),
				Info:    protocol.SysInfo{DeviceID: "8006ABCDEF"},
			},
			want: "8006ABCDEF",
		},
		{
			name:   "fallback to host",
			device: &Device{Address: net.ParseIP("192.168.1.100"), Port: 9999},
			want:   "192.168.1.100:9999",
		},
		{
			name:   "fallback uses default port",
			device: &Device{Address: net.ParseIP("192.168.1.100")},
			want:   "192.168.1.100:9999",
		},
		{
			name:   "IPv6 host is bracketed",
			device: &Device{Address: net.ParseIP("fe80::1"), Port: 9999},
			want:   "[fe80::1]:9999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.device.GetDeviceID())
		})
	}
}

func TestScanner_AddAndQuery(t *testing.T) {
	scanner := NewScanner("")
	assert.Empty(t, scanner.GetDevices())

	plug := NewDevice(net.ParseIP("192.168.1.100"), 9999, protocol.SysInfo{
		DeviceID: "plug-1", Alias: "Kitchen", Feature: "TIM:ENE",
	})
	bulb := NewDevice(net.ParseIP("192.168.1.101"), 9999, protocol.SysInfo{
		DeviceID: "switch-1", Alias: "Hall", Feature: "TIM",
	})

	scanner.Add(plug)
	scanner.Add(bulb)
	scanner.Add(nil)

	assert.Len(t, scanner.GetDevices(), 2)

	power := scanner.GetPowerDevices()
	require.Len(t, power, 1)
	assert.Equal(t, "plug-1", power[0].GetDeviceID())
	assert.Equal(t, "Kitchen", power[0].Name)

	assert.Same(t, bulb, scanner.GetDeviceByID("switch-1"))
	assert.Nil(t, scanner.GetDeviceByID("missing"))
}

func TestScanner_Discover(t *testing.T) {
	responder := devicetest.StartUDP(t, devicetest.PlugSysInfo)
	scanner := NewScanner(responder.Addr())

	devices, err := scanner.Discover(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	device := devices[0]
	assert.Equal(t, "Kitchen", device.Name)
	assert.Equal(t, "8006ABCDEF0123456789", device.GetDeviceID())
	assert.True(t, device.Address.Equal(net.ParseIP("127.0.0.1")))
	assert.Equal(t, "127.0.0.1:9999", device.Host())
	assert.True(t, device.HasPowerMeasurement())
	assert.Equal(t, 1, responder.Probes())

	assert.Same(t, device, scanner.GetDeviceByID("8006ABCDEF0123456789"))
	assert.Len(t, scanner.GetPowerDevices(), 1)
}

func TestScanner_Discover_SkipsUndecodableReplies(t *testing.T) {
	responder := devicetest.StartUDP(t, "")
	scanner := NewScanner(responder.Addr())

	devices, err := scanner.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, 1, responder.Probes())
}

func TestScanner_Discover_ReturnsOnlyThisScan(t *testing.T) {
	responder := devicetest.StartUDP(t, devicetest.StripSysInfo)
	scanner := NewScanner(responder.Addr())
	scanner.Add(NewDevice(net.ParseIP("10.0.0.9"), 9999, protocol.SysInfo{DeviceID: "static"}))

	devices, err := scanner.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "8006STRIP", devices[0].GetDeviceID())
	assert.False(t, devices[0].HasPowerMeasurement())

	assert.Len(t, scanner.GetDevices(), 2)
}

func TestScanner_Discover_KeepsConfiguredName(t *testing.T) {
	responder := devicetest.StartUDP(t, devicetest.PlugSysInfo)
	scanner := NewScanner(responder.Addr())

	configured := NewDevice(net.ParseIP("127.0.0.1"), 9999, protocol.SysInfo{DeviceID: "8006ABCDEF0123456789", Alias: "Kitchen"})
	configured.Name = "Boiler Room"
	configured.Static = true
	scanner.Add(configured)

	devices, err := scanner.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Boiler Room", devices[0].Name)
	assert.True(t, devices[0].Static)
	assert.Equal(t, "Kitchen", devices[0].Info.Alias)

	stored := scanner.GetDeviceByID("8006ABCDEF0123456789")
	require.NotNil(t, stored)
	assert.Equal(t, "Boiler Room", stored.Name)
}

func TestScanner_Discover_RefreshesDiscoveredName(t *testing.T) {
	responder := devicetest.StartUDP(t, devicetest.PlugSysInfo)
	scanner := NewScanner(responder.Addr())
	scanner.Add(NewDevice(net.ParseIP("127.0.0.1"), 9999, protocol.SysInfo{DeviceID: "8006ABCDEF0123456789", Alias: "Old Alias"}))

	_, err := scanner.Discover(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", scanner.GetDeviceByID("8006ABCDEF0123456789").Name)
}

func TestScanner_Discover_Timeout(t *testing.T) {
	// Nothing listens here, so the scan ends on its deadline.
	scanner := NewScanner("127.0.0.1:1")

	start := time.Now()
	devices, err := scanner.Discover(context.Background(), 100*time.Millisecond)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.NotNil(t, devices)
	assert.Empty(t, devices)
	assert.Less(t, duration, 2*time.Second)
}

func TestScanner_Discover_ContextCancellation(t *testing.T) {
	scanner := NewScanner("127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	devices, err := scanner.Discover(ctx, 5*time.Second)

	require.Error(t, err)
	assert.Nil(t, devices)
	assert.True(t, tperr.IsTransportError(err))
}

func TestScanner_Discover_CancelDuringScan(t *testing.T) {
	scanner := NewScanner("127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := scanner.Discover(ctx, 10*time.Second)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestScanner_Discover_BadAddress(t *testing.T) {
	scanner := NewScanner("not an address")

	_, err := scanner.Discover(context.Background(), 100*time.Millisecond)

	require.Error(t, err)
	assert.True(t, tperr.IsTransportError(err))
	assert.Equal(t, "Error connecting to the device", err.Error())
}

func TestParseReply(t *testing.T) {
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 9999}

	device, err := parseReply(protocol.Encrypt([]byte(devicetest.PlugSysInfo)), from)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", device.Name)
	assert.Equal(t, "192.168.1.50:9999", device.Host())

	_, err = parseReply([]byte{0x01, 0x02}, from)
	assert.True(t, tperr.IsDecodeError(err))

	failing := `{"system":{"get_sysinfo":{"err_code":-1,"err_msg":"module not support"}}}`
	_, err = parseReply(protocol.Encrypt([]byte(failing)), from)
	assert.True(t, tperr.IsDeviceError(err))

	_, err = parseReply(protocol.Encrypt([]byte(`{"emeter":{}}`)), from)
	assert.True(t, tperr.IsGenericError(err))

	_, err = parseReply(nil, &net.TCPAddr{})
	assert.True(t, tperr.IsGenericError(err))
}
