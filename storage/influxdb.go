// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides InfluxDB storage for energy meter readings and
// device failures.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/interfaces"
	"github.com/ayourtch/tplinker/pkg/logger"
	"github.com/ayourtch/tplinker/pkg/metrics"
)

const (
	measurementPower  = "power_consumption"
	measurementErrors = "device_errors"

	defaultStartupTimeout  = 30 * time.Second
	healthCheckTimeout     = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	maxFluxStringLength    = 1000
)

// ErrStorageUnavailable is returned while the write breaker is open.
var ErrStorageUnavailable = errors.New("influxdb unavailable, write dropped")

// InfluxDBStorage handles writing power data to InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *gobreaker.CircuitBreaker
	bucket   string
	org      string

	startupTimeout  time.Duration
	breakerFailures uint32
	breakerTimeout  time.Duration
}

// Option configures an InfluxDBStorage.
type Option func(*InfluxDBStorage)

// WithStartupTimeout bounds how long the initial health check is retried.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *InfluxDBStorage) {
		if d > 0 {
			s.startupTimeout = d
		}
	}
}

// WithBreaker sets how many consecutive write failures open the breaker and
// how long it stays open.
func WithBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(s *InfluxDBStorage) {
		if failures > 0 {
			s.breakerFailures = failures
		}
		if openTimeout > 0 {
			s.breakerTimeout = openTimeout
		}
	}
}

// NewInfluxDBStorage creates a new InfluxDB storage client. The server must
// pass a health check within the startup timeout; the check is retried with
// exponential backoff until then.
func NewInfluxDBStorage(url, token, org, bucket string, opts ...Option) (*InfluxDBStorage, error) {
	if url == "" {
		return nil, fmt.Errorf("influxdb url cannot be empty")
	}

	s := &InfluxDBStorage{
		bucket:          bucket,
		org:             org,
		startupTimeout:  defaultStartupTimeout,
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.client = influxdb2.NewClient(url, token)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.startupTimeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()

		if err := s.Health(ctx); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Str("url", url).
				Msg("InfluxDB not ready, retrying")
			return err
		}
		return nil
	}, b)
	if err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	logger.Info().Str("url", url).Str("org", org).Str("bucket", bucket).Msg("Connected to InfluxDB")

	s.writeAPI = s.client.WriteAPIBlocking(org, bucket)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb",
		MaxRequests: 1,
		Timeout:     s.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("InfluxDB circuit breaker state changed")
		},
	})

	return s, nil
}

// Health checks if InfluxDB is reachable and reports status "pass".
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", message)
	}
	return nil
}

// WriteReading writes a power reading to InfluxDB
func (s *InfluxDBStorage) WriteReading(ctx context.Context, reading *interfaces.PowerReading) error {
	p, err := readingPoint(reading)
	if err != nil {
		return err
	}
	return s.write(ctx, p)
}

// WriteBatch writes multiple readings in one request. Nothing is written
// if any reading is invalid.
func (s *InfluxDBStorage) WriteBatch(ctx context.Context, readings []*interfaces.PowerReading) error {
	if readings == nil {
		return fmt.Errorf("readings slice cannot be nil")
	}
	if len(readings) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(readings))
	for i, reading := range readings {
		p, err := readingPoint(reading)
		if err != nil {
			return fmt.Errorf("invalid reading at index %d: %w", i, err)
		}
		points = append(points, p)
	}
	return s.write(ctx, points...)
}

// RecordFailure stores a classified device failure in the device_errors
// measurement, tagged with its kind and, for device failures, err_code.
func (s *InfluxDBStorage) RecordFailure(ctx context.Context, deviceID string, err error) error {
	p, pointErr := failurePoint(deviceID, err, time.Now())
	if pointErr != nil {
		return pointErr
	}
	return s.write(ctx, p)
}

func (s *InfluxDBStorage) write(ctx context.Context, points ...*write.Point) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writeAPI.WritePoint(ctx, points...)
	})
	if err != nil {
		metrics.InfluxDBWriteErrors.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return fmt.Errorf("influxdb write failed: %w", err)
	}
	metrics.InfluxDBWritesTotal.Add(float64(len(points)))
	return nil
}

func readingPoint(reading *interfaces.PowerReading) (*write.Point, error) {
	if reading == nil {
		return nil, fmt.Errorf("reading cannot be nil")
	}
	if reading.DeviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}
	if reading.Timestamp.IsZero() {
		return nil, fmt.Errorf("timestamp cannot be zero")
	}
	for name, v := range map[string]float64{
		"power":   reading.Power,
		"voltage": reading.Voltage,
		"current": reading.Current,
		"energy":  reading.Energy,
	} {
		if v < 0 {
			return nil, fmt.Errorf("%s cannot be negative: %v", name, v)
		}
	}

	return influxdb2.NewPoint(
		measurementPower,
		map[string]string{
			"device_id":   reading.DeviceID,
			"device_name": reading.DeviceName,
		},
		map[string]interface{}{
			"power":   reading.Power,
			"voltage": reading.Voltage,
			"current": reading.Current,
			"energy":  reading.Energy,
		},
		reading.Timestamp,
	), nil
}

func failurePoint(deviceID string, err error, ts time.Time) (*write.Point, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}
	if err == nil {
		return nil, fmt.Errorf("error cannot be nil")
	}

	classified := tperr.Classify(err)
	tags := map[string]string{
		"device_id": deviceID,
		"kind":      classified.Kind().String(),
	}
	fields := map[string]interface{}{
		"message": classified.Error(),
		"count":   int64(1),
	}
	if section, ok := tperr.GetSectionError(classified); ok {
		tags["err_code"] = strconv.Itoa(int(section.Code))
		fields["err_msg"] = section.Msg
	}

	return influxdb2.NewPoint(measurementErrors, tags, fields, ts), nil
}

// Flush completes any writes batched by the client library
func (s *InfluxDBStorage) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	if err := s.writeAPI.Flush(ctx); err != nil {
		logger.Error().Err(err).Msg("InfluxDB flush failed")
	}
}

// Close closes the InfluxDB client and flushes pending writes
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.Flush()
	s.client.Close()
}

// QueryLatestReading retrieves the most recent power reading for a device
func (s *InfluxDBStorage) QueryLatestReading(ctx context.Context, deviceID string) (*interfaces.PowerReading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}

	queryAPI := s.client.QueryAPI(s.org)

	result, err := queryAPI.Query(ctx, latestReadingQuery(s.bucket, deviceID))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var reading *interfaces.PowerReading
	for result.Next() {
		record := result.Record()
		if reading == nil {
			reading = &interfaces.PowerReading{DeviceID: deviceID}
		}

		if name, ok := record.ValueByKey("device_name").(string); ok {
			reading.DeviceName = name
		}
		if record.Time().After(reading.Timestamp) {
			reading.Timestamp = record.Time()
		}

		val, ok := record.Value().(float64)
		if !ok {
			continue
		}
		switch record.Field() {
		case "power":
			reading.Power = val
		case "voltage":
			reading.Voltage = val
		case "current":
			reading.Current = val
		case "energy":
			reading.Energy = val
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	if reading == nil {
		return nil, fmt.Errorf("no readings for device %s in the last hour", deviceID)
	}

	return reading, nil
}

func latestReadingQuery(bucket, deviceID string) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> last()
	`, sanitizeFluxString(bucket), measurementPower, sanitizeFluxString(deviceID))
}

// sanitizeFluxString makes s safe to embed in a double-quoted Flux string
// literal. Input is cut to maxFluxStringLength bytes on a rune boundary.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLength {
		cut := maxFluxStringLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '$':
			b.WriteString(`\$`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
