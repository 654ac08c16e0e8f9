// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces_test

import (
	"github.com/ayourtch/tplinker/client"
	"github.com/ayourtch/tplinker/discovery"
	"github.com/ayourtch/tplinker/monitoring"
	"github.com/ayourtch/tplinker/pkg/interfaces"
	"github.com/ayourtch/tplinker/pkg/notifications"
	"github.com/ayourtch/tplinker/storage"
)

var (
	_ interfaces.DeviceController   = (*client.Client)(nil)
	_ interfaces.EnergyMeter        = (*client.Client)(nil)
	_ interfaces.DeviceScanner      = (*discovery.Scanner)(nil)
	_ interfaces.DeviceCapabilities = (*discovery.Device)(nil)
	_ interfaces.PowerMonitor       = (*monitoring.PowerMonitor)(nil)
	_ interfaces.TimeSeriesStorage  = (*storage.InfluxDBStorage)(nil)
	_ interfaces.FailureRecorder    = (*notifications.SlackNotifier)(nil)
)
