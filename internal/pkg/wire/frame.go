// Package wire implements partisan's framing and protocol message
// encoding: a 4-byte big-endian length prefix around an opaque body, and
// the tagged records exchanged over it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body so a corrupt or hostile peer
// cannot force an unbounded allocation.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("partisan: frame exceeds maximum size")

// ErrBadFrame is returned when a frame cannot be parsed as a length
// prefix followed by a complete body.
var ErrBadFrame = errors.New("partisan: bad frame")

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It never returns a
// partial frame: either the full body is read, or an error is returned
// and the caller should treat the connection as closed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header: %v", ErrBadFrame, err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return nil, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated body: %v", ErrBadFrame, err)
		}
		return nil, err
	}
	return body, nil
}
