package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame body.
const DefaultMaxFrameBytes = 64 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame encodes v as JSON and writes it behind a 4-byte big-endian
// length prefix.
func WriteFrame(w io.Writer, v any, maxBytes int) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if maxBytes > 0 && len(body) > maxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(body), maxBytes)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
// A clean close before the prefix returns io.EOF unchanged.
func ReadFrame(r io.Reader, v any, maxBytes int) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("reading frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if maxBytes > 0 && uint64(n) > uint64(maxBytes) {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, maxBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
