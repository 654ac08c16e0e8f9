// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/ayourtch/tplinker/discovery"
)

// DeviceScanner defines the interface for Kasa device discovery.
// Implementations broadcast a sysinfo probe and collect the answers.
type DeviceScanner interface {
	// Discover performs a device discovery scan with the given timeout
	Discover(ctx context.Context, timeout time.Duration) ([]*discovery.Device, error)

	// Add records a device that is known without a scan
	Add(device *discovery.Device)

	// GetDevices returns all discovered devices
	GetDevices() []*discovery.Device

	// GetPowerDevices returns only devices with an energy meter
	GetPowerDevices() []*discovery.Device

	// GetDeviceByID returns a device by its ID, or nil if not found
	GetDeviceByID(deviceID string) *discovery.Device
}

// DeviceCapabilities defines methods for checking device capabilities.
type DeviceCapabilities interface {
	// HasPowerMeasurement checks if the device has an energy meter
	HasPowerMeasurement() bool

	// GetDeviceID returns a unique identifier for the device
	GetDeviceID() string
}
