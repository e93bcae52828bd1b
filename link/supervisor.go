package link

import (
	"log"
	"net"
	"sync"
	"time"
)

// Handler consumes a connected socket until it fails. Run must block for the
// lifetime of the connection and return the error that ended it; protocol
// violations and transport errors are treated identically by the supervisor.
type Handler interface {
	Run(conn net.Conn) error
}

// Dialer produces a connected socket. Injectable so tests can substitute
// in-memory pipes or failing dials.
type Dialer func() (net.Conn, error)

// Supervisor owns the reconnect lifecycle of one upstream link. It dials,
// reports the connection up, runs the handler until failure, reports the
// connection down, waits out the backoff and tries again, forever, until Stop.
// Errors never escape the loop.
type Supervisor struct {
	name    string
	dial    Dialer
	handler Handler
	onUp    func(conn net.Conn)
	onDown  func()
	backoff *backoff

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	conn net.Conn
}

// SupervisorConfig carries the knobs for NewSupervisor. OnUp/OnDown may be nil.
type SupervisorConfig struct {
	Name        string
	Addr        string
	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Dialer      Dialer // optional; defaults to a TCP dial of Addr
	Handler     Handler
	OnUp        func(conn net.Conn)
	OnDown      func()
}

// NewSupervisor builds a supervisor; Start must be called to begin dialing.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	dial := cfg.Dialer
	if dial == nil {
		addr := cfg.Addr
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dial = func() (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		}
	}
	return &Supervisor{
		name:     cfg.Name,
		dial:     dial,
		handler:  cfg.Handler,
		onUp:     cfg.OnUp,
		onDown:   cfg.OnDown,
		backoff:  newBackoff(cfg.BackoffBase, cfg.BackoffMax),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the supervision loop in a background goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

func (s *Supervisor) run() {
	defer close(s.done)

	for {
		if s.isShutdown() {
			return
		}

		conn, err := s.dial()
		if err != nil {
			delay := s.backoff.Next()
			log.Printf("%s: connect failed: %v (retry in %s)", s.name, err, delay)
			if !s.sleep(delay) {
				return
			}
			continue
		}

		log.Printf("%s: connection established to %s", s.name, conn.RemoteAddr())
		s.backoff.Reset()
		s.setConn(conn)
		if s.onUp != nil {
			s.onUp(conn)
		}

		err = s.handler.Run(conn)

		s.setConn(nil)
		conn.Close()
		if s.onDown != nil {
			s.onDown()
		}

		if s.isShutdown() {
			return
		}
		delay := s.backoff.Next()
		log.Printf("%s: connection lost: %v (reconnect in %s)", s.name, err, delay)
		if !s.sleep(delay) {
			return
		}
	}
}

// sleep waits for d unless shutdown is signalled first. Returns false when the
// supervisor should exit.
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdown:
		return false
	}
}

func (s *Supervisor) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Supervisor) isShutdown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Stop signals the loop to exit, closes any live socket to unblock the handler,
// and waits up to timeout for the loop to finish. Never blocks indefinitely on
// a stuck socket.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		log.Printf("%s: stop timed out after %s", s.name, timeout)
	}
}
