// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires discovery, monitoring and storage into the tplinker
// power logging daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ayourtch/tplinker/client"
	"github.com/ayourtch/tplinker/config"
	"github.com/ayourtch/tplinker/discovery"
	"github.com/ayourtch/tplinker/monitoring"
	"github.com/ayourtch/tplinker/pkg/interfaces"
	"github.com/ayourtch/tplinker/pkg/logger"
	"github.com/ayourtch/tplinker/pkg/metrics"
	"github.com/ayourtch/tplinker/pkg/notifications"
	"github.com/ayourtch/tplinker/storage"
)

const (
	signalChannelSize     = 1
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
	writeTimeout          = 10 * time.Second
	alertTimeout          = 10 * time.Second
	maxWriteBatch         = 50
)

// App represents the main application
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	configPath    string
	server        *http.Server
	listener      net.Listener
	monitor       *monitoring.PowerMonitor
	scanner       *discovery.Scanner
	db            interfaces.TimeSeriesStorage // nil when storage is disabled
	configWatcher *config.Watcher
	notifier      *notifications.SlackNotifier

	// set by the data writer while InfluxDB writes fail
	storageFailing bool

	// static devices that answered get_sysinfo, by configured name
	staticMu       sync.Mutex
	staticResolved map[string]bool

	ready  chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures an App.
type Option func(*App)

// WithStorage uses db instead of connecting to the configured InfluxDB.
func WithStorage(db interfaces.TimeSeriesStorage) Option {
	return func(a *App) {
		a.db = db
	}
}

// New creates a new application instance. configPath is watched for
// SIGHUP reloads; an empty path disables reloading.
func New(cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	a := &App{
		cfg:            cfg,
		configPath:     configPath,
		staticResolved: make(map[string]bool),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.db == nil && cfg.InfluxDB.Enabled() {
		influxDB, err := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		a.db = influxDB
	}
	if a.db == nil {
		logger.Info().Msg("InfluxDB storage disabled (no URL configured), readings are only exported as metrics")
	}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	a.scanner = discovery.NewScanner(cfg.Discovery.BroadcastAddress)

	monitorOpts := []monitoring.Option{
		monitoring.WithMeterFactory(monitoring.ClientMeters(clientOptions(cfg.Client)...)),
		monitoring.WithFailureRecorder(a.notifier),
	}
	if a.db != nil {
		monitorOpts = append(monitorOpts, monitoring.WithFailureRecorder(a.db))
	}
	a.monitor = monitoring.NewPowerMonitor(cfg.Monitoring.PollInterval, a.scanner,
		cfg.Monitoring.ReadingsChannelSize, monitorOpts...)

	a.server = &http.Server{
		Addr:              cfg.Server.MetricsAddress,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if configPath != "" {
		a.configWatcher = config.NewWatcher(configPath)
	}

	return a, nil
}

// clientOptions translates the client section into client options.
func clientOptions(c config.ClientConfig) []client.Option {
	return []client.Option{
		client.WithTimeout(c.Timeout),
		client.WithMaxFrameSize(c.MaxFrameSize),
		client.WithRateLimit(c.RateLimit, c.RateBurst),
		client.WithBreaker(c.BreakerFailures, c.BreakerTimeout),
	}
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Ready is closed once Run is listening for HTTP requests.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the address the metrics server listens on. It is only
// meaningful after Ready is closed.
func (a *App) Addr() string {
	select {
	case <-a.ready:
		return a.listener.Addr().String()
	default:
		return a.server.Addr
	}
}

// Run starts the application and blocks until ctx is done or an interrupt
// is received. Shutdown is graceful: buffered readings are written before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		a.closeStorage()
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	a.listener = listener
	close(a.ready)

	ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()

	a.startMetricsServer()
	stopSignals := a.setupSignalHandler()
	defer stopSignals()
	a.startConfigWatcher(ctx)
	a.startDataWriter()

	a.DiscoverAndMonitor(ctx)
	a.runMainLoop(ctx)
	return nil
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.listener.Addr().String()).Msg("Starting metrics and health check server")
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// startDataWriter writes readings until the monitor closes its channel.
// Readings that are already buffered are written as one batch.
func (a *App) startDataWriter() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		readings := a.monitor.Readings()
		for reading := range readings {
			batch := []*interfaces.PowerReading{reading}
		drain:
			for len(batch) < maxWriteBatch {
				select {
				case next, ok := <-readings:
					if !ok {
						break drain
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			a.writeReadings(batch)
		}
		logger.Info().Msg("Readings channel closed, data writer exiting")
	}()
}

func (a *App) writeReadings(batch []*interfaces.PowerReading) {
	for _, reading := range batch {
		metrics.CurrentPower.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(reading.Power)
		metrics.CurrentVoltage.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(reading.Voltage)
		metrics.CurrentCurrent.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(reading.Current)
		metrics.TotalEnergy.WithLabelValues(reading.DeviceID, reading.DeviceName).Set(reading.Energy)
	}

	if a.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if len(batch) == 1 {
		err = a.db.WriteReading(ctx, batch[0])
	} else {
		err = a.db.WriteBatch(ctx, batch)
	}
	if err != nil {
		logger.Error().Err(err).Int("readings", len(batch)).Str("device_id", batch[0].DeviceID).
			Msg("Failed to write readings to InfluxDB")
		if !a.storageFailing {
			a.storageFailing = true
			a.alert("storage failure", func(ctx context.Context) error {
				return a.notifier.SendStorageFailure(ctx, err)
			})
		}
		return
	}
	if a.storageFailing {
		a.storageFailing = false
		logger.Info().Msg("InfluxDB writes recovered")
		a.alert("storage recovery", a.notifier.SendStorageRecovery)
	}
}

// alert sends one notification and logs when it cannot be delivered
func (a *App) alert(what string, send func(ctx context.Context) error) {
	if !a.notifier.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		logger.Error().Err(err).Str("alert", what).Msg("Failed to send Slack alert")
	}
}

// setupSignalHandler cancels the run context on interrupt signals. The
// returned func stops listening.
func (a *App) setupSignalHandler() func() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// startConfigWatcher applies configurations reloaded on SIGHUP
func (a *App) startConfigWatcher(ctx context.Context) {
	if a.configWatcher == nil {
		return
	}
	a.configWatcher.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.configWatcher.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-a.configWatcher.Updates():
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// UpdateConfig applies the parts of a new configuration that can change
// while running: the poll interval, the static device list and the Slack
// webhook. Other sections take effect on restart.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()
	logger.Info().Msg("Application configuration updated")

	a.monitor.UpdatePollInterval(newCfg.Monitoring.PollInterval)
	a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	allDevices := a.scanner.GetDevices()
	powerDevices := a.scanner.GetPowerDevices()
	logger.Info().
		Int("total_devices", len(allDevices)).
		Int("power_devices", len(powerDevices)).
		Msg("Device discovery state")

	for _, device := range allDevices {
		logger.Info().
			Str("device_id", device.GetDeviceID()).
			Str("device_name", device.Name).
			Str("host", device.Host()).
			Str("model", device.Info.Model).
			Bool("has_power_measurement", device.HasPowerMeasurement()).
			Bool("is_monitoring", a.monitor.IsMonitoring(device.GetDeviceID())).
			Time("last_seen", device.LastSeen).
			Msg("Known device")
	}

	logger.Info().
		Int("monitored_devices", a.monitor.GetMonitoredDeviceCount()).
		Dur("poll_interval", a.monitor.PollInterval()).
		Str("config_path", a.configPath).
		Bool("storage_enabled", a.db != nil).
		Bool("alerts_enabled", a.notifier.IsEnabled()).
		Msg("Monitoring state")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// runMainLoop repeats discovery until ctx is done, then shuts down
func (a *App) runMainLoop(ctx context.Context) {
	discoveryTicker := time.NewTicker(a.Config().Discovery.Interval)
	defer discoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
			a.performGracefulShutdown()
			return
		case <-discoveryTicker.C:
			if ctx.Err() != nil {
				continue
			}
			a.DiscoverAndMonitor(ctx)
		}
	}
}

// DiscoverAndMonitor resolves configured devices, runs a broadcast scan when
// discovery is enabled, and starts monitoring every new metering device.
func (a *App) DiscoverAndMonitor(ctx context.Context) {
	cfg := a.Config()
	newDevices := a.resolveStaticDevices(ctx, cfg)

	if cfg.Discovery.Enabled {
		logger.Info().Stringer("scanner", a.scanner).Msg("Performing device discovery")
		start := time.Now()
		found, err := a.scanner.Discover(ctx, cfg.Discovery.Timeout)
		metrics.DiscoveryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			logger.ErrorFields(logger.Error(), err).Msg("Discovery failed")
			a.alert("discovery failure", func(ctx context.Context) error {
				return a.notifier.SendDiscoveryFailure(ctx, err)
			})
		} else {
			newDevices = append(newDevices, found...)
		}
	}

	allDevices := a.scanner.GetDevices()
	powerDevices := a.scanner.GetPowerDevices()
	logger.Info().Int("total_devices", len(allDevices)).Int("power_devices", len(powerDevices)).
		Int("answered", len(newDevices)).
		Msg("Discovery complete")
	metrics.DevicesDiscovered.Set(float64(len(allDevices)))
	metrics.PowerDevicesDiscovered.Set(float64(len(powerDevices)))

	for _, device := range newDevices {
		if !device.HasPowerMeasurement() {
			logger.Debug().Str("device_id", device.GetDeviceID()).Str("model", device.Info.Model).
				Msg("Device has no energy meter, not monitoring")
			continue
		}
		if ctx.Err() != nil {
			break
		}
		a.monitor.StartMonitoringDevice(ctx, device)
	}
	metrics.DevicesMonitored.Set(float64(a.monitor.GetMonitoredDeviceCount()))
}

// resolveStaticDevices asks every configured device that has not answered
// yet for its sysinfo. Devices that are offline are retried on the next
// discovery round.
func (a *App) resolveStaticDevices(ctx context.Context, cfg *config.Config) []*discovery.Device {
	var resolved []*discovery.Device
	for _, dc := range cfg.Devices {
		a.staticMu.Lock()
		done := a.staticResolved[dc.Name]
		a.staticMu.Unlock()
		if done {
			continue
		}

		device, err := a.resolveStatic(ctx, cfg.Client, dc)
		if err != nil {
			logger.ErrorFields(logger.Warn(), err).Str("device_name", dc.Name).Str("host", dc.Host).
				Msg("Configured device did not answer, will retry")
			continue
		}

		a.scanner.Add(device)
		a.staticMu.Lock()
		a.staticResolved[dc.Name] = true
		a.staticMu.Unlock()
		resolved = append(resolved, device)
	}
	return resolved
}

func (a *App) resolveStatic(ctx context.Context, cc config.ClientConfig, dc config.DeviceConfig) (*discovery.Device, error) {
	c := client.New(dc.Host, clientOptions(cc)...)
	info, err := c.SysInfo(ctx)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveTCPAddr("tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", c.Addr(), err)
	}

	device := discovery.NewDevice(addr.IP, addr.Port, *info)
	device.Name = dc.Name
	device.Static = true
	return device, nil
}

// performGracefulShutdown stops the HTTP server and the monitor, then
// waits for the data writer to drain and flushes storage
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.monitor.Stop()

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished")

	a.closeStorage()
}

// closeStorage flushes and closes storage within flushTimeout
func (a *App) closeStorage() {
	if a.db == nil {
		return
	}

	flushDone := make(chan struct{})
	go func() {
		a.db.Close()
		close(flushDone)
	}()

	select {
	case <-flushDone:
		logger.Info().Msg("InfluxDB flush completed")
	case <-time.After(flushTimeout):
		logger.Warn().Msg("InfluxDB flush timeout - some data may be lost")
	}
}
