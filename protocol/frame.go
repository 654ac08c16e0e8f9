// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds a single TCP response. Sysinfo of a six-outlet
	// strip is a few kilobytes; anything near this limit is not a Kasa device.
	DefaultMaxFrameSize = 64 * 1024
)

// ErrFrameTooLarge is returned when a length prefix exceeds the allowed size.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame encrypts payload and writes it with its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], Encrypt(payload))

	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns the decrypted payload.
// A stream that ends inside a frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decrypt(body), nil
}
