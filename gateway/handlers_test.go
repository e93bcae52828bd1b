package gateway

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vehiclegw/fanout"
	"vehiclegw/link"
	"vehiclegw/state"
)

type fakeSender struct {
	sent     []string
	rejected bool
}

func (f *fakeSender) Send(command string) error {
	if f.rejected {
		return link.ErrCommandRejected
	}
	f.sent = append(f.sent, command)
	return nil
}

type testFixture struct {
	status  *state.Status
	mailbox *state.FrameMailbox
	fan     *fanout.Fanout
	sender  *fakeSender
	ts      *httptest.Server
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	fx := &testFixture{
		status:  state.NewStatus(),
		mailbox: state.NewFrameMailbox(),
		fan:     fanout.New(16, 8),
		sender:  &fakeSender{},
	}
	fx.fan.Start()
	t.Cleanup(fx.fan.Stop)

	srv := NewServer(Config{
		Status:         fx.status,
		Mailbox:        fx.mailbox,
		Fanout:         fx.fan,
		Commands:       fx.sender,
		StreamInterval: 10 * time.Millisecond,
	})
	fx.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(fx.ts.Close)
	return fx
}

func TestStatusHasAllFieldsAtColdStart(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Get(fx.ts.URL + "/api/gateway/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	for _, field := range []string{
		"videoConnected", "controlConnected", "lastVideoFrameTs", "lastTelemetryTs",
		"commandsSent", "telemetryLines", "framesSent", "activeControlWsClients",
	} {
		if _, ok := body[field]; !ok {
			t.Fatalf("status missing field %q: %v", field, body)
		}
	}
	if body["videoConnected"] != false || body["controlConnected"] != false {
		t.Fatalf("expected both links down at cold start: %v", body)
	}
	if body["lastVideoFrameTs"] != nil || body["lastTelemetryTs"] != nil {
		t.Fatalf("expected null timestamps at cold start: %v", body)
	}
	for _, counter := range []string{"commandsSent", "telemetryLines", "framesSent", "activeControlWsClients"} {
		if body[counter] != float64(0) {
			t.Fatalf("expected %s == 0, got %v", counter, body[counter])
		}
	}
}

func TestCommandSubmission(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Post(fx.ts.URL+"/api/gateway/command", "application/json",
		strings.NewReader(`{"command":"TURN_LEFT"}`))
	if err != nil {
		t.Fatalf("post command: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body)
	}
	if len(fx.sender.sent) != 1 || fx.sender.sent[0] != "TURN_LEFT" {
		t.Fatalf("expected command forwarded once, got %v", fx.sender.sent)
	}
}

func TestCommandWhileDisconnectedIs503(t *testing.T) {
	fx := newFixture(t)
	fx.sender.rejected = true

	resp, err := http.Post(fx.ts.URL+"/api/gateway/command", "application/json",
		strings.NewReader(`{"command":"ARM"}`))
	if err != nil {
		t.Fatalf("post command: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCommandBadBodyIs400(t *testing.T) {
	fx := newFixture(t)

	for _, body := range []string{"{not json", `{"command":""}`, `{"command":"   "}`} {
		resp, err := http.Post(fx.ts.URL+"/api/gateway/command", "application/json",
			strings.NewReader(body))
		if err != nil {
			t.Fatalf("post command: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if len(fx.sender.sent) != 0 {
		t.Fatalf("no command should have been forwarded, got %v", fx.sender.sent)
	}
}

func TestLatestFrameNotFoundThenServed(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Get(fx.ts.URL + "/api/gateway/frame")
	if err != nil {
		t.Fatalf("get frame: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before first frame, got %d", resp.StatusCode)
	}

	payload := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	fx.mailbox.Publish(payload, time.Now())

	resp, err = http.Get(fx.ts.URL + "/api/gateway/frame")
	if err != nil {
		t.Fatalf("get frame: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame bytes differ: got %x want %x", got, payload)
	}
}

func TestStreamEmitsMultipartFrames(t *testing.T) {
	fx := newFixture(t)
	payload := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	fx.mailbox.Publish(payload, time.Now())

	req, _ := http.NewRequest(http.MethodGet, fx.ts.URL+"/api/gateway/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "boundary=frameboundary") {
		t.Fatalf("unexpected content type %q", ct)
	}

	// Read enough to cover two boundary-delimited parts, then hang up.
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 64)
	deadline := time.Now().Add(5 * time.Second)
	for bytes.Count(buf, []byte("--frameboundary")) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("never saw two parts; got %q", buf)
		}
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
	}
	if !bytes.Contains(buf, []byte("Content-Type: image/jpeg")) {
		t.Fatalf("part header missing jpeg content type: %q", buf)
	}
	if !bytes.Contains(buf, payload) {
		t.Fatalf("payload missing from stream: %q", buf)
	}
	if fx.status.Snapshot().FramesSent == 0 {
		t.Fatal("framesSent should have been incremented")
	}
}

func TestStreamRepeatsUnchangedFrame(t *testing.T) {
	fx := newFixture(t)
	fx.mailbox.Publish([]byte("only-frame"), time.Now())

	resp, err := http.Get(fx.ts.URL + "/api/gateway/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 128)
	deadline := time.Now().Add(5 * time.Second)
	for bytes.Count(buf, []byte("only-frame")) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the single frame re-emitted; got %q", buf)
		}
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
	}
}

func TestMethodGuards(t *testing.T) {
	fx := newFixture(t)

	resp, _ := http.Post(fx.ts.URL+"/api/gateway/status", "application/json", strings.NewReader("{}"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status: expected 405, got %d", resp.StatusCode)
	}
	resp, _ = http.Get(fx.ts.URL + "/api/gateway/command")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET command: expected 405, got %d", resp.StatusCode)
	}
}
