// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
)

var log = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()

// Initialize sets up the global logger with the specified level and format.
// Format "json" writes one JSON object per line; anything else uses the console writer.
// Output goes to stderr so CLI results on stdout stay machine-readable.
func Initialize(level, format string) {
	InitializeWithWriter(level, format, os.Stderr)
}

// InitializeWithWriter is Initialize with an explicit destination.
func InitializeWithWriter(level, format string, w io.Writer) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = w
	if !strings.EqualFold(format, "json") {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	log = zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Logger()
}

// parseLogLevel converts string log level to zerolog.Level
func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &log
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return log.Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With creates a child logger with additional fields
func With() zerolog.Context {
	return log.With()
}

// SetOutput sets the output writer for the logger
func SetOutput(w io.Writer) {
	log = log.Output(w)
}

// ErrorFields attaches err to ev along with its failure kind.
// Device failures also get the section's err_code and err_msg, and
// transport/decode failures get the underlying cause, which their
// user-facing message deliberately omits.
func ErrorFields(ev *zerolog.Event, err error) *zerolog.Event {
	if err == nil {
		return ev
	}
	ev = ev.Err(err)

	switch e := tperr.Classify(err).(type) {
	case *tperr.TransportError:
		ev = ev.Str("error_kind", e.Kind().String())
		if e.Err != nil {
			ev = ev.Str("cause", e.Err.Error())
		}
	case *tperr.DecodeError:
		ev = ev.Str("error_kind", e.Kind().String())
		if e.Err != nil {
			ev = ev.Str("cause", e.Err.Error())
		}
	case *tperr.DeviceError:
		ev = ev.Str("error_kind", e.Kind().String()).
			Int16("err_code", e.Section.Code).
			Str("err_msg", e.Section.Msg)
	case *tperr.GenericError:
		ev = ev.Str("error_kind", e.Kind().String())
	}
	return ev
}
