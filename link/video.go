package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"vehiclegw/state"
)

// MaxFrameBytes is the largest accepted video frame payload. A header
// announcing more than this is treated as a corrupt stream.
const MaxFrameBytes = 10_000_000

var (
	// ErrZeroLengthFrame reports a frame header announcing an empty payload.
	ErrZeroLengthFrame = errors.New("video: zero-length frame header")
	// ErrOversizedFrame reports a frame header exceeding MaxFrameBytes.
	ErrOversizedFrame = errors.New("video: oversized frame header")
)

// VideoReader parses the upstream video protocol: a 4-byte little-endian
// length prefix followed by exactly that many JPEG payload bytes, repeated.
// Each valid frame replaces the mailbox contents; malformed headers end the
// connection so the supervisor can tear down and reconnect.
type VideoReader struct {
	mailbox *state.FrameMailbox
	status  *state.Status
}

// NewVideoReader creates a reader publishing into mailbox and stamping status.
func NewVideoReader(mailbox *state.FrameMailbox, status *state.Status) *VideoReader {
	return &VideoReader{mailbox: mailbox, status: status}
}

// Run reads frames until the stream errors or is closed. A short header,
// short payload, zero length or oversized length is fatal for this
// connection, same as a transport error.
func (v *VideoReader) Run(conn net.Conn) error {
	reader := bufio.NewReaderSize(conn, 64*1024)
	var header [4]byte

	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			return fmt.Errorf("video: read frame header: %w", err)
		}
		length := binary.LittleEndian.Uint32(header[:])
		if length == 0 {
			return ErrZeroLengthFrame
		}
		if length > MaxFrameBytes {
			return fmt.Errorf("%w: %d bytes", ErrOversizedFrame, length)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("video: read frame payload (%d bytes): %w", length, err)
		}

		now := time.Now().UTC()
		v.mailbox.Publish(payload, now)
		v.status.MarkVideoFrame(now)
	}
}
