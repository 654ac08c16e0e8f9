// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ayourtch/tplinker/app"
	"github.com/ayourtch/tplinker/pkg/logger"
)

// setupDebugSignalHandlers makes a running monitor dump its state on
// SIGUSR1 and every goroutine stack on SIGUSR2:
//
//	kill -USR1 <pid>
//	kill -USR2 <pid>
//
// The returned func stops listening.
func setupDebugSignalHandlers(application *app.App) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				logger.Debug().Str("signal", sig.String()).Msg("Debug signal received")
				if sig == syscall.SIGUSR1 {
					application.DumpApplicationState()
				} else {
					app.DumpGoroutineStackTraces()
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
