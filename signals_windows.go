// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package main

import (
	"github.com/ayourtch/tplinker/app"
	"github.com/ayourtch/tplinker/pkg/logger"
)

// Windows has no SIGUSR1/SIGUSR2. GET /devices shows the device state.
func setupDebugSignalHandlers(_ *app.App) func() {
	logger.Debug().Msg("Debug signal handlers not available on Windows")
	return func() {}
}
