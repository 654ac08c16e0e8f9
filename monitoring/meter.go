// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"github.com/ayourtch/tplinker/client"
	"github.com/ayourtch/tplinker/discovery"
	"github.com/ayourtch/tplinker/pkg/interfaces"
)

// MeterFactory returns the energy meter of a device. It is called once per
// monitoring goroutine, so per-device state such as a circuit breaker
// survives between polls.
type MeterFactory func(device *discovery.Device) interfaces.EnergyMeter

// ClientMeters reaches each device with a client.Client built from opts.
func ClientMeters(opts ...client.Option) MeterFactory {
	return func(device *discovery.Device) interfaces.EnergyMeter {
		return client.New(device.Host(), opts...)
	}
}
