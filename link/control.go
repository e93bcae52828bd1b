package link

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"vehiclegw/state"
)

// ErrCommandRejected is returned by Send when no control connection is
// attached. This is the only command failure surfaced to callers; transport
// write errors are repaired by the supervisor independently.
var ErrCommandRejected = errors.New("control link disconnected")

// defaultWriteTimeout bounds the synchronous command write so a peer that
// stops reading cannot stall request handlers on TCP backpressure.
const defaultWriteTimeout = 2 * time.Second

// TelemetrySink receives non-empty telemetry lines from the control link.
// Offer must never block; it reports whether the line was accepted.
type TelemetrySink interface {
	Offer(line string) bool
}

// ControlLink is the stream handler for the control connection. It reads
// newline-delimited telemetry and doubles as the outbound command writer. The
// write side holds its own lock, separate from the read loop, so commands and
// telemetry never serialize against each other.
type ControlLink struct {
	status *state.Status
	sink   TelemetrySink

	writeMu      sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
}

// NewControlLink creates a control handler feeding sink.
func NewControlLink(status *state.Status, sink TelemetrySink) *ControlLink {
	return &ControlLink{
		status:       status,
		sink:         sink,
		writeTimeout: defaultWriteTimeout,
	}
}

// Attach hands the current connection to the write side. Called by the
// supervisor when the link comes up.
func (c *ControlLink) Attach(conn net.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// Detach drops the write-side connection reference. Subsequent Sends fail
// with ErrCommandRejected until the supervisor reattaches.
func (c *ControlLink) Detach() {
	c.writeMu.Lock()
	c.conn = nil
	c.writeMu.Unlock()
}

// Run reads telemetry lines until the stream errors or is closed. Lines that
// are empty after trimming are dropped without side effects; invalid UTF-8
// passes through untouched. A zero-length read or closed socket ends the loop
// so the supervisor reconnects.
func (c *ControlLink) Run(conn net.Conn) error {
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			c.status.MarkTelemetryLine(time.Now().UTC())
			c.sink.Offer(trimmed)
		}
		if err != nil {
			return err
		}
	}
}

// Send writes one command line upstream. A trailing newline is appended if
// absent. Fails synchronously with ErrCommandRejected when disconnected; a
// transport-level write failure is swallowed because the supervisor detects
// and repairs the link on its own read path.
func (c *ControlLink) Send(command string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrCommandRejected
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write([]byte(command)); err != nil {
		log.Printf("control: command write failed, link repair pending: %v", err)
		return nil
	}
	c.conn.SetWriteDeadline(time.Time{})

	c.status.IncrementCommandsSent()
	return nil
}
