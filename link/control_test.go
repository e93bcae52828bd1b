package link

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"vehiclegw/state"
)

// captureSink records offered telemetry lines.
type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *captureSink) Offer(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return true
}

func (s *captureSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func TestRunDeliversTrimmedLines(t *testing.T) {
	status := state.NewStatus()
	sink := &captureSink{}
	ctrl := NewControlLink(status, sink)

	client, server := net.Pipe()
	go func() {
		defer client.Close()
		client.Write([]byte("SPEED:42\n  \n\nBATTERY:88  \n"))
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Run(server) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected stream-end error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("control reader did not finish")
	}

	got := sink.snapshot()
	if len(got) != 2 || got[0] != "SPEED:42" || got[1] != "BATTERY:88" {
		t.Fatalf("expected [SPEED:42 BATTERY:88], got %v", got)
	}
	snap := status.Snapshot()
	if snap.TelemetryLines != 2 {
		t.Fatalf("expected 2 telemetry lines counted, got %d", snap.TelemetryLines)
	}
	if snap.LastTelemetry == nil {
		t.Fatal("expected lastTelemetry to be stamped")
	}
}

func TestEmptyLinesHaveNoSideEffects(t *testing.T) {
	status := state.NewStatus()
	sink := &captureSink{}
	ctrl := NewControlLink(status, sink)

	client, server := net.Pipe()
	go func() {
		defer client.Close()
		client.Write([]byte("\n   \n\t\n"))
	}()
	done := make(chan struct{})
	go func() { ctrl.Run(server); close(done) }()
	<-done

	if len(sink.snapshot()) != 0 {
		t.Fatal("empty lines must not reach the sink")
	}
	if status.Snapshot().TelemetryLines != 0 {
		t.Fatal("empty lines must not be counted")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	status := state.NewStatus()
	ctrl := NewControlLink(status, &captureSink{})

	err := ctrl.Send("ARM")
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected, got %v", err)
	}
	if status.CommandsSent() != 0 {
		t.Fatal("rejected command must not increment the counter")
	}
}

func TestSendWritesExactlyOneNewlineTerminatedLine(t *testing.T) {
	status := state.NewStatus()
	ctrl := NewControlLink(status, &captureSink{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	ctrl.Attach(server)

	readCh := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(client).ReadString('\n')
		readCh <- line
	}()

	if err := ctrl.Send("TURN_LEFT"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case line := <-readCh:
		if line != "TURN_LEFT\n" {
			t.Fatalf("expected %q on the wire, got %q", "TURN_LEFT\n", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command never arrived")
	}
	if status.CommandsSent() != 1 {
		t.Fatalf("expected commandsSent 1, got %d", status.CommandsSent())
	}
}

func TestSendDoesNotDoubleNewline(t *testing.T) {
	status := state.NewStatus()
	ctrl := NewControlLink(status, &captureSink{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	ctrl.Attach(server)

	readCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		readCh <- buf[:n]
	}()

	if err := ctrl.Send("STOP\n"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	select {
	case got := <-readCh:
		if string(got) != "STOP\n" {
			t.Fatalf("expected %q, got %q", "STOP\n", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command never arrived")
	}
}

func TestSendSwallowsTransportWriteFailure(t *testing.T) {
	status := state.NewStatus()
	ctrl := NewControlLink(status, &captureSink{})

	client, server := net.Pipe()
	client.Close()
	server.Close()
	ctrl.Attach(server)

	if err := ctrl.Send("PING"); err != nil {
		t.Fatalf("transport failures must be swallowed, got %v", err)
	}
	if status.CommandsSent() != 0 {
		t.Fatal("failed write must not increment the counter")
	}
}

func TestDetachRestoresRejection(t *testing.T) {
	status := state.NewStatus()
	ctrl := NewControlLink(status, &captureSink{})

	_, server := net.Pipe()
	ctrl.Attach(server)
	ctrl.Detach()

	if err := ctrl.Send("ARM"); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected after detach, got %v", err)
	}
}
