// Package gateway exposes the public HTTP and WebSocket surface: status,
// command submission, latest-frame fetch, the MJPEG stream and the two
// WebSocket channels.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"vehiclegw/audit"
	"vehiclegw/fanout"
	"vehiclegw/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandSender forwards one command line to the vehicle. Implementations
// return link.ErrCommandRejected when no control connection is attached.
type CommandSender interface {
	Send(command string) error
}

// Server composes the shared state, the fanout and the command path into the
// public API.
type Server struct {
	status         *state.Status
	mailbox        *state.FrameMailbox
	fan            *fanout.Fanout
	commands       CommandSender
	auditLog       *audit.Log // may be nil
	streamInterval time.Duration

	httpSrv *http.Server
}

// Config carries the Server dependencies. AuditLog may be nil.
type Config struct {
	Status         *state.Status
	Mailbox        *state.FrameMailbox
	Fanout         *fanout.Fanout
	Commands       CommandSender
	AuditLog       *audit.Log
	StreamInterval time.Duration
}

// NewServer builds the API server. Start must be called to begin listening.
func NewServer(cfg Config) *Server {
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Server{
		status:         cfg.Status,
		mailbox:        cfg.Mailbox,
		fan:            cfg.Fanout,
		commands:       cfg.Commands,
		auditLog:       cfg.AuditLog,
		streamInterval: interval,
	}
}

// Handler returns the route table, exposed separately so tests can mount it
// on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/gateway/status", s.handleStatus)
	mux.HandleFunc("/api/gateway/command", s.handleCommand)
	mux.HandleFunc("/api/gateway/frame", s.handleFrame)
	mux.HandleFunc("/api/gateway/stream", s.handleStream)
	mux.HandleFunc("/ws/control", s.handleControlWS)
	mux.HandleFunc("/ws/video", s.handleVideoWS)
	return mux
}

// Start begins serving on port in a background goroutine.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{Handler: s.Handler()}
	log.Printf("gateway: listening on %s", listener.Addr())

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("gateway: server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down, waiting up to the context deadline for
// in-flight requests. Streaming handlers exit on their next tick.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("gateway: shutdown: %v", err)
		s.httpSrv.Close()
	}
}
