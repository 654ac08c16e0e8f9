// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors defines the unified error type returned by every fallible
// operation of the tplinker library.
//
// A failure is always exactly one of four kinds, separated by where it
// originated:
//
//   - TransportError: the device could not be reached, read from or written to
//   - DecodeError: the bytes received did not parse as the expected response
//   - DeviceError: the response parsed, but a section reported a non-zero err_code
//   - GenericError: anything else (validation, caller misuse, logic errors)
//
// Transport and decode failures keep their original cause for inspection with
// errors.Is and errors.As, while their Error() text stays fixed so raw network
// or parser internals never reach end users.
//
// # Example Usage
//
//	info, err := c.SysInfo(ctx)
//	switch e := err.(type) {
//	case nil:
//	    fmt.Println(info.Alias)
//	case *errors.TransportError:
//	    log.Printf("device unreachable: %v", e.Err)
//	case *errors.DeviceError:
//	    log.Printf("device said %d: %s", e.Section.Code, e.Section.Msg)
//	default:
//	    log.Print(err)
//	}
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

const (
	transportMessage = "Error connecting to the device"
	decodeMessage    = "Could not parse the response received from the device"
)

// Kind identifies which of the four failure variants an Error is.
type Kind int

const (
	// KindTransport is a network or I/O failure talking to the device.
	KindTransport Kind = iota + 1
	// KindDecode is a failure parsing the device's response.
	KindDecode
	// KindDevice is an error reported by the device in a response section.
	KindDevice
	// KindGeneric is any other failure.
	KindGeneric
)

// Kinds returns every Kind, in declaration order.
func Kinds() []Kind {
	return []Kind{KindTransport, KindDecode, KindDevice, KindGeneric}
}

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindDevice:
		return "device"
	case KindGeneric:
		return "generic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is implemented by exactly the four variant types of this package.
type Error interface {
	error
	Kind() Kind
	tplinkError()
}

// TransportError wraps a failure to reach, read from or write to the device.
type TransportError struct {
	Err error // Underlying I/O error
}

func (e *TransportError) Error() string { return transportMessage }

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind returns KindTransport.
func (e *TransportError) Kind() Kind { return KindTransport }

func (e *TransportError) tplinkError() {}

// NewTransportError wraps an I/O failure.
func NewTransportError(err error) *TransportError {
	return &TransportError{Err: err}
}

// DecodeError wraps a failure to parse the device's response.
type DecodeError struct {
	Err error // Underlying parse error
}

func (e *DecodeError) Error() string { return decodeMessage }

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind returns KindDecode.
func (e *DecodeError) Kind() Kind { return KindDecode }

func (e *DecodeError) tplinkError() {}

// NewDecodeError wraps a parse failure.
func NewDecodeError(err error) *DecodeError {
	return &DecodeError{Err: err}
}

// DeviceError carries an error the device reported for one response section.
type DeviceError struct {
	Section SectionError
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("Response data error: (%d) %s", e.Section.Code, e.Section.Msg)
}

// Unwrap exposes the section error to errors.As.
func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Section
}

// Kind returns KindDevice.
func (e *DeviceError) Kind() Kind { return KindDevice }

func (e *DeviceError) tplinkError() {}

// NewDeviceError wraps a device-reported section error.
// A zero Code is accepted; deciding whether it is a failure is up to the caller.
func NewDeviceError(section SectionError) *DeviceError {
	return &DeviceError{Section: section}
}

// GenericError is a failure described only by a message.
type GenericError struct {
	Msg string
}

func (e *GenericError) Error() string { return e.Msg }

// Kind returns KindGeneric.
func (e *GenericError) Kind() Kind { return KindGeneric }

func (e *GenericError) tplinkError() {}

// New creates a GenericError with the given message.
func New(msg string) *GenericError {
	return &GenericError{Msg: msg}
}

// Errorf creates a GenericError from a format string.
// Unlike fmt.Errorf, %w does not keep a cause.
func Errorf(format string, args ...any) *GenericError {
	return &GenericError{Msg: fmt.Sprintf(format, args...)}
}

// SectionError is the err_code/err_msg pair of a response section.
// Code 0 means success by device convention.
type SectionError struct {
	Code int16  `json:"err_code"`
	Msg  string `json:"err_msg"`
}

func (e SectionError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Msg)
}

// Failed reports whether the section carries a non-zero error code.
func (e SectionError) Failed() bool {
	return e.Code != 0
}

// transportSentinels are I/O conditions that are not typed errors.
var transportSentinels = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	io.ErrShortWrite,
	io.ErrClosedPipe,
	net.ErrClosed,
	os.ErrDeadlineExceeded,
	context.Canceled,
	context.DeadlineExceeded,
}

// Classify converts any error into one of the four variants based on its shape.
// Classify(nil) returns nil, and so does a nil variant pointer such as
// (*GenericError)(nil).
//
// An error that already contains a variant is returned as that variant, the
// innermost value itself. Text added by outer wrappers is dropped:
// Classify(fmt.Errorf("loading: %w", New("inner"))).Error() is "inner". Keep
// the original error around when that context matters.
func Classify(err error) Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(Error); ok && isNilVariant(e) {
		return nil
	}

	if classified, ok := variantOf(err); ok {
		return classified
	}

	if section, ok := sectionFrom(err); ok {
		return NewDeviceError(section)
	}

	if isDecodeFailure(err) {
		return NewDecodeError(err)
	}

	if isTransportFailure(err) {
		return NewTransportError(err)
	}

	return New(err.Error())
}

// Wrap classifies err at a return site, leaving v untouched.
//
//	return errors.Wrap(strconv.Atoi(s))
func Wrap[T any](v T, err error) (T, error) {
	if err == nil {
		return v, nil
	}
	return v, Classify(err)
}

// variantOf returns the first non-nil variant in err's chain.
func variantOf(err error) (Error, bool) {
	var classified Error
	if errors.As(err, &classified) && !isNilVariant(classified) {
		return classified, true
	}
	return nil, false
}

func isNilVariant(e Error) bool {
	switch v := e.(type) {
	case *TransportError:
		return v == nil
	case *DecodeError:
		return v == nil
	case *DeviceError:
		return v == nil
	case *GenericError:
		return v == nil
	default:
		return e == nil
	}
}

func sectionFrom(err error) (SectionError, bool) {
	var section SectionError
	if errors.As(err, &section) {
		return section, true
	}
	var sectionPtr *SectionError
	if errors.As(err, &sectionPtr) && sectionPtr != nil {
		return *sectionPtr, true
	}
	return SectionError{}, false
}

func isDecodeFailure(err error) bool {
	var (
		syntaxErr      *json.SyntaxError
		typeErr        *json.UnmarshalTypeError
		invalidErr     *json.InvalidUnmarshalError
		unsupportedErr *json.UnsupportedTypeError
		valueErr       *json.UnsupportedValueError
		marshalerErr   *json.MarshalerError
	)
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &unsupportedErr) ||
		errors.As(err, &valueErr) ||
		errors.As(err, &marshalerErr)
}

func isTransportFailure(err error) bool {
	var (
		netErr     net.Error
		opErr      *net.OpError
		syscallErr *os.SyscallError
		errno      syscall.Errno
	)
	if errors.As(err, &netErr) || errors.As(err, &opErr) ||
		errors.As(err, &syscallErr) || errors.As(err, &errno) {
		return true
	}
	for _, sentinel := range transportSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// KindOf returns the kind of the first variant found in err's chain.
func KindOf(err error) (Kind, bool) {
	if classified, ok := variantOf(err); ok {
		return classified.Kind(), true
	}
	return 0, false
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsDecodeError checks if an error is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsDeviceError checks if an error is a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// IsGenericError checks if an error is a GenericError.
func IsGenericError(err error) bool {
	var ge *GenericError
	return errors.As(err, &ge)
}

// GetSectionError extracts the device-reported section error, if present.
func GetSectionError(err error) (SectionError, bool) {
	var de *DeviceError
	if errors.As(err, &de) && de != nil {
		return de.Section, true
	}
	return SectionError{}, false
}
