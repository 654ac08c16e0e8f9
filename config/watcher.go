// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ayourtch/tplinker/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and publishes every
// configuration that loads and validates.
type Watcher struct {
	path       string
	configChan chan *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher for the file at path.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:       path,
		configChan: make(chan *Config, 1),
		reloadChan: make(chan os.Signal, 1),
	}
}

// Updates delivers reloaded configurations.
func (w *Watcher) Updates() <-chan *Config {
	return w.configChan
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("SIGHUP received, reloading configuration")
			w.reload(ctx)
		}
	}
}

// reload loads the file and hands the result to the consumer. An invalid
// file leaves the running configuration in place.
func (w *Watcher) reload(ctx context.Context) bool {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload configuration, keeping current one")
		return false
	}

	select {
	case w.configChan <- cfg:
		logger.Info().Msg("Configuration reloaded successfully")
		return true
	case <-ctx.Done():
		return false
	}
}
