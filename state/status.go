// Package state holds the mutable gateway status shared between the upstream
// link workers and the serving layers. All fields use atomics so the reader
// goroutines can stamp progress without contending with API handlers; no I/O
// ever happens while publishing a value.
package state

import (
	"sync/atomic"
	"time"
)

// Status tracks connection flags, counters and last-seen timestamps for both
// upstream links. Counters are monotonically non-decreasing for the process
// lifetime. The two link workers are the only writers; everything else reads
// via Snapshot.
type Status struct {
	videoConnected   atomic.Bool
	controlConnected atomic.Bool
	lastVideoFrame   atomic.Int64 // unix nanos, 0 = never
	lastTelemetry    atomic.Int64 // unix nanos, 0 = never
	commandsSent     atomic.Uint64
	telemetryLines   atomic.Uint64
	framesSent       atomic.Uint64
	start            atomic.Int64
}

// Snapshot is a point-in-time copy of the gateway status. Timestamp fields are
// nil until the first frame/line arrives.
type Snapshot struct {
	VideoConnected   bool
	ControlConnected bool
	LastVideoFrame   *time.Time
	LastTelemetry    *time.Time
	CommandsSent     uint64
	TelemetryLines   uint64
	FramesSent       uint64
	Uptime           time.Duration
}

// NewStatus creates a zeroed status with the uptime clock started.
func NewStatus() *Status {
	s := &Status{}
	s.start.Store(time.Now().UnixNano())
	return s
}

// SetVideoConnected flips the video link flag.
func (s *Status) SetVideoConnected(up bool) {
	s.videoConnected.Store(up)
}

// SetControlConnected flips the control link flag.
func (s *Status) SetControlConnected(up bool) {
	s.controlConnected.Store(up)
}

// MarkVideoFrame records the arrival of one valid video frame.
func (s *Status) MarkVideoFrame(at time.Time) {
	s.lastVideoFrame.Store(at.UnixNano())
}

// MarkTelemetryLine counts one non-empty telemetry line and stamps its arrival.
func (s *Status) MarkTelemetryLine(at time.Time) {
	s.telemetryLines.Add(1)
	s.lastTelemetry.Store(at.UnixNano())
}

// IncrementCommandsSent counts one command successfully written upstream.
func (s *Status) IncrementCommandsSent() {
	s.commandsSent.Add(1)
}

// IncrementFramesSent counts one frame emitted to a downstream consumer.
func (s *Status) IncrementFramesSent() {
	s.framesSent.Add(1)
}

// CommandsSent returns the current command counter.
func (s *Status) CommandsSent() uint64 {
	return s.commandsSent.Load()
}

// Snapshot returns a consistent-enough copy for serving. Individual fields are
// read atomically; cross-field skew is acceptable for a status endpoint.
func (s *Status) Snapshot() Snapshot {
	snap := Snapshot{
		VideoConnected:   s.videoConnected.Load(),
		ControlConnected: s.controlConnected.Load(),
		CommandsSent:     s.commandsSent.Load(),
		TelemetryLines:   s.telemetryLines.Load(),
		FramesSent:       s.framesSent.Load(),
		Uptime:           time.Since(time.Unix(0, s.start.Load())),
	}
	if ns := s.lastVideoFrame.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastVideoFrame = &t
	}
	if ns := s.lastTelemetry.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastTelemetry = &t
	}
	return snap
}
