// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ayourtch/tplinker/pkg/interfaces"
	"github.com/ayourtch/tplinker/pkg/logger"
)

// routes builds the handler for the metrics server
func (a *App) routes() http.Handler {
	// Create rate limiters for health endpoints
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)
	devicesLimiter := rate.NewLimiter(2, 5)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, a.db)
	}))
	mux.HandleFunc("/devices", rateLimitMiddleware(devicesLimiter, a.devicesHandler))
	return mux
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready when storage is disabled or healthy
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, db interfaces.TimeSeriesStorage) {
	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, writeErr := w.Write([]byte("NOT READY: InfluxDB unhealthy")); writeErr != nil {
				logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
			}
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// deviceStatus is one entry of the /devices listing
type deviceStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Model      string    `json:"model"`
	HasEmeter  bool      `json:"has_emeter"`
	Monitoring bool      `json:"monitoring"`
	Rejected   bool      `json:"meter_rejected"`
	LastSeen   time.Time `json:"last_seen"`
}

// devicesHandler lists known devices and whether they are being polled
func (a *App) devicesHandler(w http.ResponseWriter, _ *http.Request) {
	devices := a.scanner.GetDevices()
	statuses := make([]deviceStatus, 0, len(devices))
	for _, device := range devices {
		id := device.GetDeviceID()
		statuses = append(statuses, deviceStatus{
			ID:         id,
			Name:       device.Name,
			Host:       device.Host(),
			Model:      device.Info.Model,
			HasEmeter:  device.HasPowerMeasurement(),
			Monitoring: a.monitor.IsMonitoring(id),
			Rejected:   a.monitor.IsRejected(id),
			LastSeen:   device.LastSeen,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		logger.Error().Err(err).Msg("Failed to write device listing")
	}
}
