package gateway

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"vehiclegw/audit"
	"vehiclegw/link"
)

// statusResponse is the wire form of the status endpoint. Field set and names
// are part of the public contract.
type statusResponse struct {
	VideoConnected         bool       `json:"videoConnected"`
	ControlConnected       bool       `json:"controlConnected"`
	LastVideoFrameTs       *time.Time `json:"lastVideoFrameTs"`
	LastTelemetryTs        *time.Time `json:"lastTelemetryTs"`
	CommandsSent           uint64     `json:"commandsSent"`
	TelemetryLines         uint64     `json:"telemetryLines"`
	FramesSent             uint64     `json:"framesSent"`
	ActiveControlWsClients int        `json:"activeControlWsClients"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.status.Snapshot()
	s.writeJSON(w, http.StatusOK, statusResponse{
		VideoConnected:         snap.VideoConnected,
		ControlConnected:       snap.ControlConnected,
		LastVideoFrameTs:       snap.LastVideoFrame,
		LastTelemetryTs:        snap.LastTelemetry,
		CommandsSent:           snap.CommandsSent,
		TelemetryLines:         snap.TelemetryLines,
		FramesSent:             snap.FramesSent,
		ActiveControlWsClients: s.fan.SubscriberCount(),
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: "malformed request body"})
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: "command must not be empty"})
		return
	}

	if err := s.commands.Send(command); err != nil {
		if errors.Is(err, link.ErrCommandRejected) {
			s.recordCommand(command, audit.OutcomeRejected)
			s.writeJSON(w, http.StatusServiceUnavailable, commandResponse{Error: err.Error()})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, commandResponse{Error: err.Error()})
		return
	}
	s.recordCommand(command, audit.OutcomeSent)
	s.writeJSON(w, http.StatusOK, commandResponse{OK: true})
}

func (s *Server) recordCommand(command, outcome string) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Record(command, outcome, time.Now()); err != nil {
		log.Printf("gateway: audit record failed: %v", err)
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f := s.mailbox.Latest()
	if f == nil {
		http.Error(w, "no frame received yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(f.Payload)))
	w.Write(f.Payload)
}

// handleStream serves the MJPEG multipart stream. Frames are sampled from the
// mailbox on a fixed cadence, so when the vehicle produces slower than the
// sample rate the same frame is emitted repeatedly. That mirrors the
// latest-value-wins contract and keeps the stream usable as a liveness
// signal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frameboundary")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			f := s.mailbox.Latest()
			if f == nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "--frameboundary\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(f.Payload)); err != nil {
				return
			}
			if _, err := w.Write(f.Payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			s.status.IncrementFramesSent()
		}
	}
}
