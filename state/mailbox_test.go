package state

import (
	"bytes"
	"testing"
	"time"
)

func TestEmptyMailboxReturnsNil(t *testing.T) {
	m := NewFrameMailbox()
	if m.Latest() != nil {
		t.Fatal("expected nil frame before first publish")
	}
}

func TestPublishLastWriteWins(t *testing.T) {
	m := NewFrameMailbox()
	now := time.Now()

	m.Publish([]byte("first"), now)
	m.Publish([]byte("second"), now.Add(time.Millisecond))

	f := m.Latest()
	if f == nil {
		t.Fatal("expected a frame")
	}
	if !bytes.Equal(f.Payload, []byte("second")) {
		t.Fatalf("expected latest payload 'second', got %q", f.Payload)
	}
	if f.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", f.Seq)
	}
	if m.Published() != 2 {
		t.Fatalf("expected 2 published, got %d", m.Published())
	}
}

func TestDuplicateAccounting(t *testing.T) {
	m := NewFrameMailbox()
	now := time.Now()

	m.Publish([]byte{0xFF, 0xD8, 0xFF, 0xD9}, now)
	m.Publish([]byte{0xFF, 0xD8, 0xFF, 0xD9}, now)
	m.Publish([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, now)

	if got := m.DuplicatePublishes(); got != 1 {
		t.Fatalf("expected 1 duplicate publish, got %d", got)
	}
	// duplicates are still retained: the last distinct frame won
	if len(m.Latest().Payload) != 5 {
		t.Fatalf("expected 5-byte latest payload, got %d", len(m.Latest().Payload))
	}
}

func TestPublishedSequenceIsMonotonic(t *testing.T) {
	m := NewFrameMailbox()
	var prev uint64
	for i := 0; i < 10; i++ {
		f := m.Publish([]byte{byte(i)}, time.Now())
		if f.Seq <= prev {
			t.Fatalf("sequence went backwards: %d after %d", f.Seq, prev)
		}
		prev = f.Seq
	}
}
