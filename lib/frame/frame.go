// Package frame implements the transport framing shared by the event
// manager and every communicator: a 4-byte big-endian length prefix
// followed by the codec-encoded message body.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxSize bounds a single frame body. Messages in this system are
// small control and telemetry envelopes; anything larger is a protocol
// error on that connection.
const DefaultMaxSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// reader's limit.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds maximum size")

// Writer writes length-prefixed frames. Not safe for concurrent use; each
// connection owns exactly one writing goroutine.
type Writer struct {
	w io.Writer
}

// NewWriter returns a frame writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits one frame. Bodies over DefaultMaxSize are refused before
// anything reaches the wire, mirroring the reader's protocol cap, so an
// oversized message never kills the connection on the peer's side.
func (fw *Writer) Write(body []byte) error {
	if len(body) > DefaultMaxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := fw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// Reader reads length-prefixed frames. Not safe for concurrent use; each
// connection owns exactly one reading goroutine.
type Reader struct {
	r       io.Reader
	maxSize uint32
}

// NewReader returns a frame reader over r with the given size limit.
// A limit of 0 means DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{r: r, maxSize: uint32(maxSize)}
}

// Read returns the next frame body. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func (fr *Reader) Read() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > fr.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return body, nil
}
