package gateway

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vehiclegw/audit"
	"vehiclegw/link"
)

const (
	wsWelcome         = "WELCOME"
	wsSendErrorPrefix = "ERROR#SEND#"
	wsWriteTimeout    = 5 * time.Second
)

// The gateway serves trusted vehicle dashboards; cross-origin pages are
// allowed, matching the open upstream links.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession serializes writes to one WebSocket connection; gorilla permits
// only a single concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) writeText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *wsSession) writeBinary(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// handleControlWS serves the bidirectional control channel: telemetry lines
// flow out via a fanout subscription, inbound text is forwarded upstream as
// commands. Disconnect deregisters the subscriber and cancels the delivery
// goroutine promptly.
func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws-control: upgrade failed: %v", err)
		return
	}
	session := &wsSession{conn: conn}
	remote := conn.RemoteAddr().String()
	log.Printf("ws-control: client connected from %s", remote)

	if err := session.writeText(wsWelcome); err != nil {
		conn.Close()
		return
	}

	sub := s.fan.Subscribe("ws:" + remote)
	closed := make(chan struct{})

	// Delivery goroutine: fanned-out telemetry to this client. A failed write
	// only ends this session; other subscribers are unaffected.
	go func() {
		for {
			select {
			case <-closed:
				return
			case <-sub.Done():
				return
			case line := <-sub.Lines():
				if err := session.writeText(line); err != nil {
					log.Printf("ws-control: delivery to %s failed: %v", remote, err)
					conn.Close()
					return
				}
			}
		}
	}()

	// Read loop: inbound client text becomes upstream commands.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		command := string(data)
		if err := s.commands.Send(command); err != nil {
			if errors.Is(err, link.ErrCommandRejected) {
				s.recordCommand(command, audit.OutcomeRejected)
			}
			if werr := session.writeText(wsSendErrorPrefix + err.Error()); werr != nil {
				break
			}
			continue
		}
		s.recordCommand(command, audit.OutcomeSent)
	}

	close(closed)
	s.fan.Unsubscribe(sub)
	conn.Close()
	log.Printf("ws-control: client %s disconnected", remote)
}

// handleVideoWS pushes the latest frame as a binary message on a fixed
// cadence. Unchanged frames are resent on every tick; clients relying on the
// stream as a liveness signal depend on that.
func (s *Server) handleVideoWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws-video: upgrade failed: %v", err)
		return
	}
	session := &wsSession{conn: conn}
	remote := conn.RemoteAddr().String()
	log.Printf("ws-video: client connected from %s", remote)
	defer func() {
		conn.Close()
		log.Printf("ws-video: client %s disconnected", remote)
	}()

	// Drain inbound traffic so close frames are processed; no client-to-server
	// messages are expected on this channel.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			f := s.mailbox.Latest()
			if f == nil {
				continue
			}
			if err := session.writeBinary(f.Payload); err != nil {
				return
			}
			s.status.IncrementFramesSent()
		}
	}
}
