// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayourtch/tplinker/discovery"
	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/interfaces"
	"github.com/ayourtch/tplinker/pkg/metrics"
	"github.com/ayourtch/tplinker/protocol"
)

// mockScanner is a mock implementation of DeviceScanner for testing
type mockScanner struct {
	devices map[string]*discovery.Device
	mu      sync.RWMutex
}

func newMockScanner() *mockScanner {
	return &mockScanner{
		devices: make(map[string]*discovery.Device),
	}
}

func (m *mockScanner) GetDeviceByID(deviceID string) *discovery.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[deviceID]
}

func (m *mockScanner) addDevice(device *discovery.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.GetDeviceID()] = device
}

// fakeMeter answers with a fixed reading, or with err when set.
type fakeMeter struct {
	err   error
	calls atomic.Int32
}

func (f *fakeMeter) EmeterRealtime(ctx context.Context) (*protocol.EmeterRealtime, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	power, voltage, current, total := 60.0, 120.0, 0.5, 1.25
	return &protocol.EmeterRealtime{Power: &power, Voltage: &voltage, Current: &current, Total: &total}, nil
}

func meterFactory(m interfaces.EnergyMeter) MeterFactory {
	return func(*discovery.Device) interfaces.EnergyMeter { return m }
}

type recordedFailure struct {
	deviceID string
	kind     tperr.Kind
}

type fakeRecorder struct {
	mu       sync.Mutex
	failures []recordedFailure
}

func (r *fakeRecorder) RecordFailure(_ context.Context, deviceID string, err error) error {
	kind, _ := tperr.KindOf(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, recordedFailure{deviceID: deviceID, kind: kind})
	return nil
}

func (r *fakeRecorder) snapshot() []recordedFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedFailure(nil), r.failures...)
}

func testDevice(id string) *discovery.Device {
	return &discovery.Device{
		Name:    "Test Device",
		Address: net.ParseIP("127.0.0.1"),
		Port:    9999,
		Info:    protocol.SysInfo{DeviceID: id, Alias: "Test Device", Feature: "TIM:ENE"},
	}
}

func TestNewPowerMonitor(t *testing.T) {
	pollInterval := 30 * time.Second
	monitor := NewPowerMonitor(pollInterval, newMockScanner(), 100)

	assert.Equal(t, pollInterval, monitor.PollInterval())
	assert.Equal(t, 100, cap(monitor.readings))
	assert.NotNil(t, monitor.monitoredDevices)
	assert.NotNil(t, monitor.meters)

	monitor = NewPowerMonitor(pollInterval, nil, 0)
	assert.Equal(t, defaultReadingsChannelSize, cap(monitor.readings))
}

func TestStartMonitoringDevice(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, newMockScanner(), 100, WithMeterFactory(meterFactory(&fakeMeter{})))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	device := testDevice("test-device-1")

	assert.True(t, monitor.StartMonitoringDevice(ctx, device), "first start should succeed")
	assert.False(t, monitor.StartMonitoringDevice(ctx, device), "duplicate start should be rejected")

	assert.True(t, monitor.IsMonitoring(device.GetDeviceID()))
	assert.Equal(t, 1, monitor.GetMonitoredDeviceCount())
}

func TestStopMonitoringDevice(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, newMockScanner(), 100, WithMeterFactory(meterFactory(&fakeMeter{})))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	device := testDevice("test-device-2")
	monitor.StartMonitoringDevice(ctx, device)
	monitor.StopMonitoringDevice(device.GetDeviceID())

	assert.False(t, monitor.IsMonitoring(device.GetDeviceID()))
	assert.Equal(t, 0, monitor.GetMonitoredDeviceCount())

	// Restarting right away must not be undone by the exiting goroutine
	assert.True(t, monitor.StartMonitoringDevice(ctx, device))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, monitor.IsMonitoring(device.GetDeviceID()))
}

func TestStopNonExistentDevice(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, newMockScanner(), 100)
	monitor.StopMonitoringDevice("non-existent")
	assert.Equal(t, 0, monitor.GetMonitoredDeviceCount())
}

func TestReadPower(t *testing.T) {
	scanner := newMockScanner()
	monitor := NewPowerMonitor(30*time.Second, scanner, 100)

	device := testDevice("test-device-3")
	renamed := testDevice("test-device-3")
	renamed.Name = "Renamed Device"
	scanner.addDevice(renamed)

	reading, err := monitor.readPower(context.Background(), device, &fakeMeter{})
	require.NoError(t, err)
	require.NotNil(t, reading)

	assert.Equal(t, "test-device-3", reading.DeviceID)
	assert.Equal(t, "Renamed Device", reading.DeviceName)
	assert.InDelta(t, 60.0, reading.Power, 1e-9)
	assert.InDelta(t, 120.0, reading.Voltage, 1e-9)
	assert.InDelta(t, 0.5, reading.Current, 1e-9)
	assert.InDelta(t, 1.25, reading.Energy, 1e-9)
	assert.WithinDuration(t, time.Now(), reading.Timestamp, time.Second)
}

func TestReadPower_Failure(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, nil, 100)

	reading, err := monitor.readPower(context.Background(), testDevice("x"), &fakeMeter{err: tperr.NewTransportError(io.EOF)})

	assert.Nil(t, reading)
	assert.True(t, tperr.IsTransportError(err))
}

func TestReadingsChannel(t *testing.T) {
	monitor := NewPowerMonitor(50*time.Millisecond, newMockScanner(), 100, WithMeterFactory(meterFactory(&fakeMeter{})))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx, []*discovery.Device{testDevice("a"), testDevice("b")})
	assert.Equal(t, 2, monitor.GetMonitoredDeviceCount())

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case reading := <-monitor.Readings():
			seen[reading.DeviceID] = true
		case <-timeout:
			t.Fatalf("timed out waiting for readings, got %v", seen)
		}
	}

	monitor.Stop()
	_, ok := <-monitor.Readings()
	for ok {
		_, ok = <-monitor.Readings()
	}
}

func TestFailureHandlingByKind(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		kind        tperr.Kind
		keepPolling bool
	}{
		{"transport keeps polling", tperr.NewTransportError(io.ErrUnexpectedEOF), tperr.KindTransport, true},
		{"decode keeps polling", tperr.NewDecodeError(errors.New("bad json")), tperr.KindDecode, true},
		{"generic keeps polling", tperr.New("something odd"), tperr.KindGeneric, true},
		{"unclassified socket error", io.EOF, tperr.KindTransport, true},
		{"device stops polling", tperr.NewDeviceError(tperr.SectionError{Code: -1, Msg: "module not support"}), tperr.KindDevice, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &fakeRecorder{}
			monitor := NewPowerMonitor(time.Second, nil, 10, WithFailureRecorder(recorder))
			counter := metrics.PowerReadingErrors.WithLabelValues(tt.kind.String())
			before := testutil.ToFloat64(counter)

			keep := monitor.handleFailure(testDevice("dev-1"), tt.err)

			assert.Equal(t, tt.keepPolling, keep)
			assert.Equal(t, before+1, testutil.ToFloat64(counter))
			require.Len(t, recorder.snapshot(), 1)
			assert.Equal(t, recordedFailure{deviceID: "dev-1", kind: tt.kind}, recorder.snapshot()[0])
		})
	}
}

func TestDeviceFailureStopsMonitoring(t *testing.T) {
	meter := &fakeMeter{err: tperr.NewDeviceError(tperr.SectionError{Code: -1, Msg: "module not support"})}
	monitor := NewPowerMonitor(10*time.Millisecond, nil, 10, WithMeterFactory(meterFactory(meter)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	device := testDevice("no-emeter")
	require.True(t, monitor.StartMonitoringDevice(ctx, device))

	assert.Eventually(t, func() bool {
		return !monitor.IsMonitoring(device.GetDeviceID())
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), meter.calls.Load(), "a device failure should end polling after one attempt")
}

func TestDeviceFailureNotRestartedByLaterRounds(t *testing.T) {
	meter := &fakeMeter{err: tperr.NewDeviceError(tperr.SectionError{Code: -1, Msg: "module not support"})}
	recorder := &fakeRecorder{}
	monitor := NewPowerMonitor(10*time.Millisecond, nil, 10,
		WithMeterFactory(meterFactory(meter)), WithFailureRecorder(recorder))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	device := testDevice("no-emeter")
	require.True(t, monitor.StartMonitoringDevice(ctx, device))
	assert.Eventually(t, func() bool {
		return monitor.IsRejected(device.GetDeviceID()) && !monitor.IsMonitoring(device.GetDeviceID())
	}, time.Second, 5*time.Millisecond)

	// Each discovery round finds the same plug again
	for round := 0; round < 3; round++ {
		assert.False(t, monitor.StartMonitoringDevice(ctx, testDevice("no-emeter")), "round %d", round)
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), meter.calls.Load())
	assert.Len(t, recorder.snapshot(), 1)
	assert.False(t, monitor.IsMonitoring(device.GetDeviceID()))
	assert.False(t, monitor.IsRejected("other-device"))
}

func TestTransportFailureKeepsMonitoring(t *testing.T) {
	meter := &fakeMeter{err: tperr.NewTransportError(io.EOF)}
	monitor := NewPowerMonitor(10*time.Millisecond, nil, 10, WithMeterFactory(meterFactory(meter)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	device := testDevice("flaky")
	require.True(t, monitor.StartMonitoringDevice(ctx, device))

	assert.Eventually(t, func() bool {
		return meter.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsMonitoring(device.GetDeviceID()))
}

func TestUpdatePollInterval(t *testing.T) {
	meter := &fakeMeter{}
	monitor := NewPowerMonitor(time.Hour, nil, 100, WithMeterFactory(meterFactory(meter)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	monitor.StartMonitoringDevice(ctx, testDevice("interval"))

	// First poll is immediate, the next would be an hour away
	assert.Eventually(t, func() bool { return meter.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	monitor.UpdatePollInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, monitor.PollInterval())

	assert.Eventually(t, func() bool { return meter.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	monitor.UpdatePollInterval(0)
	assert.Equal(t, 10*time.Millisecond, monitor.PollInterval())
}

func TestReadingsChannelFull(t *testing.T) {
	monitor := NewPowerMonitor(time.Millisecond, nil, 1, WithMeterFactory(meterFactory(&fakeMeter{})))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	monitor.StartMonitoringDevice(ctx, testDevice("full"))

	// Nobody reads; readings beyond the buffer are dropped without blocking
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, monitor.readings, 1)
	monitor.Stop()
}

func TestContextCancellation(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, nil, 100, WithMeterFactory(meterFactory(&fakeMeter{})))
	ctx, cancel := context.WithCancel(context.Background())

	device := testDevice("cancel")
	monitor.StartMonitoringDevice(ctx, device)
	cancel()

	assert.Eventually(t, func() bool {
		return !monitor.IsMonitoring(device.GetDeviceID())
	}, time.Second, 5*time.Millisecond)
	monitor.Stop()
}

func TestStop_Idempotent(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, nil, 100, WithMeterFactory(meterFactory(&fakeMeter{})))

	monitor.Stop()
	monitor.Stop()

	assert.False(t, monitor.StartMonitoringDevice(context.Background(), testDevice("late")))
}

func TestIsMonitoring_ThreadSafety(t *testing.T) {
	monitor := NewPowerMonitor(30*time.Second, nil, 100, WithMeterFactory(meterFactory(&fakeMeter{})))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer monitor.Stop()

	device := testDevice("concurrent")
	monitor.StartMonitoringDevice(ctx, device)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = monitor.IsMonitoring(device.GetDeviceID())
				_ = monitor.GetMonitoredDeviceCount()
			}
		}()
	}
	wg.Wait()
}

func BenchmarkReadPower(b *testing.B) {
	monitor := NewPowerMonitor(30*time.Second, newMockScanner(), 100)
	device := testDevice("bench")
	meter := &fakeMeter{}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = monitor.readPower(ctx, device, meter)
	}
}
