// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery finds Kasa devices on the local network.
//
// Devices answer a get_sysinfo request broadcast over UDP to port 9999. The
// probe and each answer are encrypted with the protocol cipher but carry no
// length prefix. Every answer already contains the full sysinfo, so a scan
// yields usable device descriptions without opening TCP connections.
//
// # Thread Safety
//
// All scanner operations are thread-safe. The device map is guarded by a
// read-write lock, so GetDevices and friends may run while a scan is active.
//
// # Example Usage
//
//	scanner := discovery.NewScanner(discovery.DefaultBroadcastAddress)
//
//	devices, err := scanner.Discover(ctx, 3*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, device := range scanner.GetPowerDevices() {
//	    fmt.Printf("Found metering plug: %s at %s\n", device.Name, device.Host())
//	}
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/logger"
	"github.com/ayourtch/tplinker/protocol"
)

// DefaultBroadcastAddress is the limited broadcast address on the device port.
var DefaultBroadcastAddress = net.JoinHostPort("255.255.255.255", strconv.Itoa(protocol.DefaultPort))

const maxDatagramSize = 64 * 1024

// Device represents a discovered Kasa device
type Device struct {
	Name     string
	Address  net.IP
	Port     int
	Info     protocol.SysInfo
	LastSeen time.Time

	// Static marks a device from the configuration file. Its Name is the
	// configured one and survives later broadcast answers.
	Static bool
}

// HasPowerMeasurement checks if the device has an energy meter
func (d *Device) HasPowerMeasurement() bool {
	return d.Info.HasEmeter()
}

// GetDeviceID returns a unique identifier for the device
func (d *Device) GetDeviceID() string {
	if d.Info.DeviceID != "" {
		return d.Info.DeviceID
	}
	return d.Host()
}

// Host returns the host:port to open a client connection to.
func (d *Device) Host() string {
	port := d.Port
	if port == 0 {
		port = protocol.DefaultPort
	}
	return net.JoinHostPort(d.Address.String(), strconv.Itoa(port))
}

// NewDevice builds a Device from a sysinfo reply received from addr.
func NewDevice(addr net.IP, port int, info protocol.SysInfo) *Device {
	return &Device{
		Name:     info.Alias,
		Address:  addr,
		Port:     port,
		Info:     info,
		LastSeen: time.Now(),
	}
}

// Scanner handles Kasa device discovery via UDP broadcast
type Scanner struct {
	broadcastAddr string
	devices       map[string]*Device
	mu            sync.RWMutex // Protects devices map
}

// NewScanner creates a new device scanner. An empty address uses
// DefaultBroadcastAddress.
func NewScanner(broadcastAddr string) *Scanner {
	if broadcastAddr == "" {
		broadcastAddr = DefaultBroadcastAddress
	}
	return &Scanner{
		broadcastAddr: broadcastAddr,
		devices:       make(map[string]*Device),
	}
}

// Discover broadcasts one probe and collects answers until timeout elapses or
// ctx is done. It returns every device that answered during this scan.
//
// Socket failures are TransportErrors. Answers that cannot be decoded are
// logged and skipped; one misbehaving device does not fail the scan.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Device, error) {
	dst, err := net.ResolveUDPAddr("udp4", s.broadcastAddr)
	if err != nil {
		return nil, tperr.NewTransportError(err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, tperr.NewTransportError(err)
	}
	defer func() { _ = conn.Close() }()

	probe, err := protocol.GetSysInfo().Marshal()
	if err != nil {
		return nil, tperr.Errorf("cannot encode discovery probe: %v", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, tperr.NewTransportError(err)
	}

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	deadline, _ := discoverCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, tperr.NewTransportError(err)
	}

	if _, err := conn.WriteTo(protocol.Encrypt(probe), dst); err != nil {
		return nil, tperr.NewTransportError(err)
	}

	// Unblock ReadFrom as soon as the caller gives up.
	stop := context.AfterFunc(discoverCtx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	found := make(map[string]*Device)
	order := make([]string, 0)
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, readErr := conn.ReadFrom(buf)
		if readErr != nil {
			if errors.Is(readErr, net.ErrClosed) || isTimeout(readErr) {
				break
			}
			return nil, tperr.NewTransportError(readErr)
		}

		device, parseErr := parseReply(buf[:n], from)
		if parseErr != nil {
			logger.ErrorFields(logger.Debug(), parseErr).
				Str("from", from.String()).
				Msg("Ignoring undecodable discovery reply")
			continue
		}

		deviceID := device.GetDeviceID()

		s.mu.Lock()
		if known, ok := s.devices[deviceID]; ok && known.Static {
			device.Name = known.Name
			device.Static = true
		}
		s.devices[deviceID] = device
		s.mu.Unlock()

		if _, seen := found[deviceID]; !seen {
			order = append(order, deviceID)
		}
		found[deviceID] = device

		logger.Info().
			Str("device_id", deviceID).
			Str("device_name", device.Name).
			Str("address", device.Address.String()).
			Str("model", device.Info.Model).
			Bool("has_power_measurement", device.HasPowerMeasurement()).
			Msg("Discovered Kasa device")
	}

	discovered := make([]*Device, 0, len(order))
	for _, id := range order {
		discovered = append(discovered, found[id])
	}
	return discovered, nil
}

// parseReply decodes one discovery answer. Errors are already classified.
func parseReply(data []byte, from net.Addr) (*Device, error) {
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return nil, tperr.Errorf("unexpected reply address type %T", from)
	}

	resp, err := protocol.ParseResponse(protocol.Decrypt(data))
	if err != nil {
		return nil, tperr.NewDecodeError(err)
	}

	var info protocol.SysInfo
	if err := resp.Section(protocol.ModuleSystem, "get_sysinfo", &info); err != nil {
		return nil, tperr.Classify(err)
	}

	return NewDevice(udpAddr.IP, protocol.DefaultPort, info), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Add records a device found by other means, such as static configuration.
func (s *Scanner) Add(device *Device) {
	if device == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.GetDeviceID()] = device
}

// GetDevices returns all discovered devices
func (s *Scanner) GetDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices
}

// GetPowerDevices returns only devices that have an energy meter
func (s *Scanner) GetPowerDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	powerDevices := make([]*Device, 0)
	for _, device := range s.devices {
		if device.HasPowerMeasurement() {
			powerDevices = append(powerDevices, device)
		}
	}
	return powerDevices
}

// GetDeviceByID returns a device by its ID, or nil if not found
func (s *Scanner) GetDeviceByID(deviceID string) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[deviceID]
}

// String describes the scanner for logs.
func (s *Scanner) String() string {
	return fmt.Sprintf("udp broadcast %s", s.broadcastAddr)
}
