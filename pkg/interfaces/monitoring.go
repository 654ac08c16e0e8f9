// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/ayourtch/tplinker/discovery"
	"github.com/ayourtch/tplinker/protocol"
)

// EnergyMeter reads the instantaneous energy meter of one device.
// *client.Client satisfies it.
type EnergyMeter interface {
	EmeterRealtime(ctx context.Context) (*protocol.EmeterRealtime, error)
}

// DeviceController is the command surface of one device.
// *client.Client satisfies it.
type DeviceController interface {
	EnergyMeter

	SysInfo(ctx context.Context) (*protocol.SysInfo, error)
	SetRelayState(ctx context.Context, on bool) error
	SetChildRelayState(ctx context.Context, index int, on bool) error
	SetLEDOff(ctx context.Context, off bool) error
	SetAlias(ctx context.Context, alias string) error
	Reboot(ctx context.Context, delay int) error
	EmeterDayStats(ctx context.Context, year, month int) ([]protocol.DayStat, error)
	EmeterMonthStats(ctx context.Context, year int) ([]protocol.MonthStat, error)
	Time(ctx context.Context) (*protocol.DeviceTime, error)
	Raw(ctx context.Context, request string) (protocol.Response, error)
}

// PowerMonitor defines the interface for device power monitoring.
// Implementations should manage concurrent monitoring of multiple devices.
type PowerMonitor interface {
	// Start begins monitoring the given devices
	Start(ctx context.Context, devices []*discovery.Device)

	// StartMonitoringDevice starts monitoring a single device
	// Returns true if monitoring started, false if already monitored
	StartMonitoringDevice(ctx context.Context, device *discovery.Device) bool

	// StopMonitoringDevice stops monitoring a specific device
	StopMonitoringDevice(deviceID string)

	// IsMonitoring checks if a device is currently being monitored
	IsMonitoring(deviceID string) bool

	// GetMonitoredDeviceCount returns the number of devices being monitored
	GetMonitoredDeviceCount() int

	// UpdatePollInterval changes the polling period of every device
	UpdatePollInterval(interval time.Duration)

	// Readings returns the channel for receiving power readings
	Readings() <-chan *PowerReading

	// Stop stops all device monitoring and closes the readings channel
	Stop()
}
