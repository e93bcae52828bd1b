package state

import (
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

// Frame is one JPEG payload received on the video link. Frames are immutable
// once published; readers must not modify Payload.
type Frame struct {
	Payload    []byte
	ReceivedAt time.Time
	Seq        uint64 // monotonic publish sequence, starts at 1
	Digest     uint64 // xxh3 of Payload, used for duplicate accounting
}

// FrameMailbox is a single-slot latest-value-wins mailbox. Writers atomically
// publish a complete frame in one pointer swap, so readers either see the
// previous frame or the new one, never partial state. At most one frame is
// retained; there is no history.
type FrameMailbox struct {
	slot       atomic.Pointer[Frame]
	seq        atomic.Uint64
	duplicates atomic.Uint64 // publishes whose digest matched the prior frame
}

// NewFrameMailbox creates an empty mailbox.
func NewFrameMailbox() *FrameMailbox {
	return &FrameMailbox{}
}

// Publish replaces the retained frame with a new one built from payload. The
// mailbox takes ownership of payload. Returns the published frame.
func (m *FrameMailbox) Publish(payload []byte, at time.Time) *Frame {
	f := &Frame{
		Payload:    payload,
		ReceivedAt: at,
		Seq:        m.seq.Add(1),
		Digest:     xxh3.Hash(payload),
	}
	prev := m.slot.Swap(f)
	if prev != nil && prev.Digest == f.Digest {
		m.duplicates.Add(1)
	}
	return f
}

// Latest returns the most recently published frame, or nil if none has
// arrived yet.
func (m *FrameMailbox) Latest() *Frame {
	return m.slot.Load()
}

// Published returns the total number of frames published.
func (m *FrameMailbox) Published() uint64 {
	return m.seq.Load()
}

// DuplicatePublishes returns how many published frames were byte-identical to
// their predecessor. Purely informational; duplicates are still retained and
// re-emitted downstream.
func (m *FrameMailbox) DuplicatePublishes() uint64 {
	return m.duplicates.Load()
}
