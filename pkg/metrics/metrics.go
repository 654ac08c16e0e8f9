// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for tplinker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts commands sent to devices, by module and method
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tplinker_commands_total",
		Help: "Total number of commands sent to devices",
	}, []string{"module", "method"})

	// CommandErrors counts failed commands by failure kind
	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tplinker_command_errors_total",
		Help: "Total number of failed device commands by failure kind",
	}, []string{"kind"})

	// CommandDuration tracks the round trip time of a device exchange
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tplinker_command_duration_seconds",
		Help:    "Duration of a device request/response exchange in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BreakerState exposes the circuit breaker state per device (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tplinker_breaker_state",
		Help: "Circuit breaker state per device (0 closed, 1 half-open, 2 open)",
	}, []string{"device"})

	// DevicesDiscovered tracks the total number of devices discovered
	DevicesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tplinker_devices_discovered",
		Help: "Number of Kasa devices discovered",
	})

	// PowerDevicesDiscovered tracks the number of devices with an energy meter
	PowerDevicesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tplinker_power_devices_discovered",
		Help: "Number of discovered Kasa devices with an energy meter",
	})

	// DevicesMonitored tracks the number of devices currently being monitored
	DevicesMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tplinker_devices_monitored",
		Help: "Number of devices currently being polled for power consumption",
	})

	// DiscoveryDuration tracks how long device discovery takes
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tplinker_discovery_duration_seconds",
		Help:    "Duration of device discovery in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PowerReadingsTotal tracks the total number of power readings collected
	PowerReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tplinker_power_readings_total",
		Help: "Total number of power readings collected",
	})

	// PowerReadingErrors tracks failed power readings by failure kind
	PowerReadingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tplinker_power_reading_errors_total",
		Help: "Total number of failed power readings by failure kind",
	}, []string{"kind"})

	// PowerReadingDuration tracks how long it takes to read power from a device
	PowerReadingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tplinker_power_reading_duration_seconds",
		Help:    "Duration of power reading in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// InfluxDBWritesTotal tracks the total number of writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tplinker_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tplinker_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// CurrentPower tracks the current power consumption per device
	CurrentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tplinker_current_power_watts",
		Help: "Current power consumption in watts",
	}, []string{"device_id", "device_name"})

	// CurrentVoltage tracks the current voltage per device
	CurrentVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tplinker_current_voltage_volts",
		Help: "Current voltage in volts",
	}, []string{"device_id", "device_name"})

	// CurrentCurrent tracks the current current (amperage) per device
	CurrentCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tplinker_current_amperage_amps",
		Help: "Current amperage in amps",
	}, []string{"device_id", "device_name"})

	// TotalEnergy tracks the cumulative energy reported by each device's meter
	TotalEnergy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tplinker_total_energy_kwh",
		Help: "Cumulative energy reported by the device meter in kWh",
	}, []string{"device_id", "device_name"})
)
