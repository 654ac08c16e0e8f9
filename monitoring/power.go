// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring polls the energy meter of Kasa plugs.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/ayourtch/tplinker/discovery"
	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/interfaces"
	"github.com/ayourtch/tplinker/pkg/logger"
	"github.com/ayourtch/tplinker/pkg/metrics"
)

const (
	defaultReadingsChannelSize = 100
	recordFailureTimeout       = 5 * time.Second
)

// DeviceScanner defines the interface for retrieving device information
type DeviceScanner interface {
	GetDeviceByID(deviceID string) *discovery.Device
}

// monitoredDevice is the bookkeeping of one polling goroutine.
type monitoredDevice struct {
	cancel context.CancelFunc
}

// PowerMonitor handles power consumption monitoring
type PowerMonitor struct {
	readings         chan *interfaces.PowerReading
	monitoredDevices map[string]*monitoredDevice
	deviceMutex      sync.RWMutex
	wg               sync.WaitGroup
	stopped          bool
	scanner          DeviceScanner
	meters           MeterFactory
	recorders        []interfaces.FailureRecorder

	// devices that refused energy meter requests, guarded by deviceMutex
	rejected map[string]struct{}

	intervalMu      sync.RWMutex
	pollInterval    time.Duration
	intervalChanged chan struct{}
}

// Option configures a PowerMonitor.
type Option func(*PowerMonitor)

// WithMeterFactory replaces how a device's energy meter is reached.
func WithMeterFactory(f MeterFactory) Option {
	return func(pm *PowerMonitor) {
		if f != nil {
			pm.meters = f
		}
	}
}

// WithFailureRecorder forwards every failed reading to r. It may be given
// more than once.
func WithFailureRecorder(r interfaces.FailureRecorder) Option {
	return func(pm *PowerMonitor) {
		if r != nil {
			pm.recorders = append(pm.recorders, r)
		}
	}
}

// NewPowerMonitor creates a new power monitor. A channelSize of zero or less
// uses the default buffer size.
func NewPowerMonitor(pollInterval time.Duration, scanner DeviceScanner, channelSize int, opts ...Option) *PowerMonitor {
	if channelSize <= 0 {
		channelSize = defaultReadingsChannelSize
	}
	pm := &PowerMonitor{
		pollInterval:     pollInterval,
		intervalChanged:  make(chan struct{}),
		readings:         make(chan *interfaces.PowerReading, channelSize),
		monitoredDevices: make(map[string]*monitoredDevice),
		rejected:         make(map[string]struct{}),
		scanner:          scanner,
		meters:           ClientMeters(),
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// Start begins monitoring the given devices
func (pm *PowerMonitor) Start(ctx context.Context, devices []*discovery.Device) {
	logger.Info().Msgf("Starting power monitoring for %d devices", len(devices))

	for _, device := range devices {
		pm.StartMonitoringDevice(ctx, device)
	}
}

// StartMonitoringDevice starts monitoring a single device if not already monitored
func (pm *PowerMonitor) StartMonitoringDevice(ctx context.Context, device *discovery.Device) bool {
	deviceID := device.GetDeviceID()

	pm.deviceMutex.Lock()
	defer pm.deviceMutex.Unlock()

	if pm.stopped {
		return false
	}

	if _, rejected := pm.rejected[deviceID]; rejected {
		logger.Debug().Str("device_id", deviceID).Str("device_name", device.Name).
			Msg("Device rejected energy meter requests earlier, skipping")
		return false
	}

	if _, exists := pm.monitoredDevices[deviceID]; exists {
		logger.Debug().Str("device_id", deviceID).Str("device_name", device.Name).
			Msg("Device already being monitored, skipping")
		return false
	}

	deviceCtx, cancel := context.WithCancel(ctx)
	entry := &monitoredDevice{cancel: cancel}
	pm.monitoredDevices[deviceID] = entry

	logger.Info().Str("device_id", deviceID).Str("device_name", device.Name).
		Str("host", device.Host()).
		Msg("Starting monitoring for new device")

	pm.wg.Add(1)
	go pm.monitorDevice(deviceCtx, device, entry)
	return true
}

// IsRejected reports whether a device refused energy meter requests. Such
// devices are not monitored again until the process restarts.
func (pm *PowerMonitor) IsRejected(deviceID string) bool {
	pm.deviceMutex.RLock()
	defer pm.deviceMutex.RUnlock()
	_, rejected := pm.rejected[deviceID]
	return rejected
}

// StopMonitoringDevice stops monitoring a specific device
func (pm *PowerMonitor) StopMonitoringDevice(deviceID string) {
	pm.deviceMutex.Lock()
	defer pm.deviceMutex.Unlock()

	if entry, exists := pm.monitoredDevices[deviceID]; exists {
		entry.cancel()
		delete(pm.monitoredDevices, deviceID)
		logger.Info().Str("device_id", deviceID).Msg("Stopped monitoring device")
	}
}

// IsMonitoring checks if a device is currently being monitored
func (pm *PowerMonitor) IsMonitoring(deviceID string) bool {
	pm.deviceMutex.RLock()
	defer pm.deviceMutex.RUnlock()
	_, exists := pm.monitoredDevices[deviceID]
	return exists
}

// GetMonitoredDeviceCount returns the number of devices being monitored
func (pm *PowerMonitor) GetMonitoredDeviceCount() int {
	pm.deviceMutex.RLock()
	defer pm.deviceMutex.RUnlock()
	return len(pm.monitoredDevices)
}

// UpdatePollInterval changes the polling period of every monitored device.
// Non-positive intervals are ignored.
func (pm *PowerMonitor) UpdatePollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	pm.intervalMu.Lock()
	defer pm.intervalMu.Unlock()

	if interval == pm.pollInterval {
		return
	}
	pm.pollInterval = interval
	close(pm.intervalChanged)
	pm.intervalChanged = make(chan struct{})

	logger.Info().Dur("poll_interval", interval).Msg("Updated poll interval")
}

// PollInterval returns the current polling period.
func (pm *PowerMonitor) PollInterval() time.Duration {
	interval, _ := pm.interval()
	return interval
}

func (pm *PowerMonitor) interval() (time.Duration, <-chan struct{}) {
	pm.intervalMu.RLock()
	defer pm.intervalMu.RUnlock()
	return pm.pollInterval, pm.intervalChanged
}

// monitorDevice continuously polls a single device for power data.
// The first sample is taken immediately.
func (pm *PowerMonitor) monitorDevice(ctx context.Context, device *discovery.Device, entry *monitoredDevice) {
	defer pm.wg.Done()

	deviceID := device.GetDeviceID()
	meter := pm.meters(device)

	defer func() {
		pm.deviceMutex.Lock()
		if pm.monitoredDevices[deviceID] == entry {
			delete(pm.monitoredDevices, deviceID)
		}
		pm.deviceMutex.Unlock()
		entry.cancel()
		logger.Debug().Str("device_id", deviceID).Msg("Monitoring goroutine exited")
	}()

	interval, changed := pm.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !pm.poll(ctx, device, meter) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
			interval, changed = pm.interval()
			ticker.Reset(interval)
		case <-ticker.C:
		}
	}
}

// poll takes one sample. It returns false when the device should no longer
// be polled.
func (pm *PowerMonitor) poll(ctx context.Context, device *discovery.Device, meter interfaces.EnergyMeter) bool {
	if ctx.Err() != nil {
		return false
	}

	start := time.Now()
	reading, err := pm.readPower(ctx, device, meter)
	metrics.PowerReadingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		return pm.handleFailure(device, err)
	}

	metrics.PowerReadingsTotal.Inc()

	select {
	case pm.readings <- reading:
	default:
		logger.Warn().Str("device_id", reading.DeviceID).Str("device_name", reading.DeviceName).
			Msg("Readings channel full, dropping reading")
	}
	return true
}

// handleFailure logs and counts a failed reading. Only device failures stop
// polling: the plug answered and said it cannot meter.
func (pm *PowerMonitor) handleFailure(device *discovery.Device, err error) bool {
	classified := tperr.Classify(err)
	kind := classified.Kind()
	deviceID := device.GetDeviceID()

	metrics.PowerReadingErrors.WithLabelValues(kind.String()).Inc()

	keepPolling := kind != tperr.KindDevice
	if !keepPolling {
		pm.deviceMutex.Lock()
		pm.rejected[deviceID] = struct{}{}
		pm.deviceMutex.Unlock()
	}

	ev := logger.Error()
	if kind == tperr.KindTransport {
		ev = logger.Warn()
	}
	ev = logger.ErrorFields(ev, classified).
		Str("device_id", deviceID).
		Str("device_name", device.Name)
	if keepPolling {
		ev.Msg("Error reading power from device")
	} else {
		ev.Msg("Device rejected energy meter request, no longer monitoring it")
	}

	for _, recorder := range pm.recorders {
		ctx, cancel := context.WithTimeout(context.Background(), recordFailureTimeout)
		if recErr := recorder.RecordFailure(ctx, deviceID, classified); recErr != nil {
			logger.Warn().Err(recErr).Str("device_id", deviceID).Msg("Failed to record device failure")
		}
		cancel()
	}

	return keepPolling
}

// readPower reads the realtime energy meter of a device
func (pm *PowerMonitor) readPower(ctx context.Context, device *discovery.Device, meter interfaces.EnergyMeter) (*interfaces.PowerReading, error) {
	realtime, err := meter.EmeterRealtime(ctx)
	if err != nil {
		return nil, err
	}

	// Prefer the scanner's copy so renames show up without a restart
	deviceID := device.GetDeviceID()
	deviceName := device.Name
	if pm.scanner != nil {
		if currentDevice := pm.scanner.GetDeviceByID(deviceID); currentDevice != nil {
			deviceName = currentDevice.Name
		}
	}

	reading := &interfaces.PowerReading{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Timestamp:  time.Now(),
		Power:      realtime.Watts(),
		Voltage:    realtime.Volts(),
		Current:    realtime.Amps(),
		Energy:     realtime.KWh(),
	}

	logger.Debug().
		Str("device_id", reading.DeviceID).
		Str("device_name", reading.DeviceName).
		Float64("power_w", reading.Power).
		Float64("voltage_v", reading.Voltage).
		Float64("current_a", reading.Current).
		Float64("energy_kwh", reading.Energy).
		Msg("Power reading")

	return reading, nil
}

// Readings returns the channel for receiving power readings
func (pm *PowerMonitor) Readings() <-chan *interfaces.PowerReading {
	return pm.readings
}

// Stop stops all device monitoring and closes the readings channel
func (pm *PowerMonitor) Stop() {
	pm.deviceMutex.Lock()
	if pm.stopped {
		pm.deviceMutex.Unlock()
		return
	}
	pm.stopped = true

	for deviceID, entry := range pm.monitoredDevices {
		logger.Info().Str("device_id", deviceID).Msg("Stopping device monitoring")
		entry.cancel()
	}
	pm.deviceMutex.Unlock()

	pm.wg.Wait()

	close(pm.readings)
	logger.Info().Msg("Power monitor stopped, readings channel closed")
}
