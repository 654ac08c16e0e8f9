// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/influxdb"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/interfaces"
)

// startInflux runs a throwaway InfluxDB 2 server and connects to it.
func startInflux(t *testing.T) *InfluxDBStorage {
	t.Helper()
	ctx := context.Background()

	container, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	require.NoError(t, err, "start InfluxDB container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionUrl(ctx)
	require.NoError(t, err)

	storage, err := NewInfluxDBStorage(url, "test-token", "test-org", "test-bucket")
	require.NoError(t, err)
	t.Cleanup(storage.Close)
	return storage
}

func TestIntegration_WriteAndQueryLatest(t *testing.T) {
	storage := startInflux(t)
	ctx := context.Background()

	deviceID := "8006ABCDEF0123456789"
	older := &interfaces.PowerReading{
		DeviceID: deviceID, DeviceName: "Kitchen", Timestamp: time.Now().Add(-2 * time.Minute),
		Power: 10, Voltage: 229, Current: 0.05, Energy: 1.0,
	}
	latest := &interfaces.PowerReading{
		DeviceID: deviceID, DeviceName: "Kitchen", Timestamp: time.Now().Add(-time.Minute),
		Power: 115, Voltage: 230, Current: 0.5, Energy: 1.1,
	}

	require.NoError(t, storage.WriteBatch(ctx, []*interfaces.PowerReading{older, latest}))
	storage.Flush()

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	got, err := storage.QueryLatestReading(queryCtx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", got.DeviceName)
	assert.InDelta(t, 115.0, got.Power, 1e-9)
	assert.InDelta(t, 230.0, got.Voltage, 1e-9)
	assert.InDelta(t, 0.5, got.Current, 1e-9)
	assert.InDelta(t, 1.1, got.Energy, 1e-9)
	assert.WithinDuration(t, latest.Timestamp, got.Timestamp, time.Second)
}

func TestIntegration_QueryUnknownDevice(t *testing.T) {
	storage := startInflux(t)

	_, err := storage.QueryLatestReading(context.Background(), `missing") |> drop() //`)
	assert.Error(t, err)

	_, err = storage.QueryLatestReading(context.Background(), "")
	assert.Error(t, err)
}

func TestIntegration_WriteReading_ValidationErrors(t *testing.T) {
	storage := startInflux(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		reading *interfaces.PowerReading
	}{
		{"nil reading", nil},
		{"empty device ID", &interfaces.PowerReading{Timestamp: time.Now()}},
		{"zero timestamp", &interfaces.PowerReading{DeviceID: "device-1"}},
		{"negative power", &interfaces.PowerReading{DeviceID: "device-1", Timestamp: time.Now(), Power: -10}},
		{"negative voltage", &interfaces.PowerReading{DeviceID: "device-1", Timestamp: time.Now(), Voltage: -120}},
		{"negative current", &interfaces.PowerReading{DeviceID: "device-1", Timestamp: time.Now(), Current: -0.5}},
		{"negative energy", &interfaces.PowerReading{DeviceID: "device-1", Timestamp: time.Now(), Energy: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, storage.WriteReading(ctx, tt.reading))
		})
	}
}

func TestIntegration_RecordFailure(t *testing.T) {
	storage := startInflux(t)
	ctx := context.Background()

	require.NoError(t, storage.RecordFailure(ctx, "8006ABC",
		tperr.NewDeviceError(tperr.SectionError{Code: -1, Msg: "module not support"})))
	require.NoError(t, storage.RecordFailure(ctx, "8006ABC", tperr.NewTransportError(io.EOF)))
}

func TestIntegration_Health(t *testing.T) {
	storage := startInflux(t)

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, storage.Health(timeoutCtx))
}
