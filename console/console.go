// Package console provides a small telnet admin surface for operators: live
// gateway status, manual command injection and the recent command history.
// It is meant for a trusted local network, not end users.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	ztelnet "github.com/ziutek/telnet"

	"vehiclegw/audit"
	"vehiclegw/fanout"
	"vehiclegw/link"
	"vehiclegw/state"
)

const welcomeBanner = "vehicle gateway ops console. Commands: STATUS, SEND <cmd>, RECENT, BYE"

// CommandSender forwards a command line to the vehicle.
type CommandSender interface {
	Send(command string) error
}

// Console is the telnet ops listener.
type Console struct {
	status   *state.Status
	mailbox  *state.FrameMailbox
	fan      *fanout.Fanout
	commands CommandSender
	auditLog *audit.Log // may be nil

	listener net.Listener
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a console. auditLog may be nil when auditing is disabled.
func New(status *state.Status, mailbox *state.FrameMailbox, fan *fanout.Fanout, commands CommandSender, auditLog *audit.Log) *Console {
	return &Console{
		status:   status,
		mailbox:  mailbox,
		fan:      fan,
		commands: commands,
		auditLog: auditLog,
		shutdown: make(chan struct{}),
	}
}

// Start begins accepting connections on addr (e.g. "127.0.0.1:7300").
func (c *Console) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("console: listen on %s: %w", addr, err)
	}
	c.listener = listener
	log.Printf("console: listening on %s", listener.Addr())

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Addr returns the bound listener address, for tests and logs.
func (c *Console) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Console) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			log.Printf("console: accept failed: %v", err)
			return
		}
		go c.handleSession(conn)
	}
}

func (c *Console) handleSession(conn net.Conn) {
	defer conn.Close()
	address := conn.RemoteAddr().String()
	log.Printf("console: new session from %s", address)

	tconn, err := ztelnet.NewConn(conn)
	if err != nil {
		log.Printf("console: failed to wrap connection from %s: %v", address, err)
		return
	}
	reader := bufio.NewReader(tconn)
	writer := bufio.NewWriter(tconn)

	writeLine := func(line string) bool {
		if _, err := writer.WriteString(line + "\r\n"); err != nil {
			return false
		}
		return writer.Flush() == nil
	}

	if !writeLine(welcomeBanner) {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Printf("console: session from %s ended: %v", address, err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		verb, rest, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "STATUS":
			for _, out := range c.statusLines() {
				if !writeLine(out) {
					return
				}
			}
		case "SEND":
			command := strings.TrimSpace(rest)
			if command == "" {
				writeLine("usage: SEND <command>")
				continue
			}
			switch err := c.commands.Send(command); {
			case errors.Is(err, link.ErrCommandRejected):
				writeLine("REJECTED: control link disconnected")
			case err != nil:
				writeLine("ERROR: " + err.Error())
			default:
				writeLine("OK")
			}
		case "RECENT":
			for _, out := range c.recentLines() {
				if !writeLine(out) {
					return
				}
			}
		case "BYE", "QUIT", "EXIT":
			writeLine("73")
			return
		default:
			writeLine("unknown command; try STATUS, SEND <cmd>, RECENT, BYE")
		}
	}
}

func (c *Console) statusLines() []string {
	snap := c.status.Snapshot()
	lines := []string{
		fmt.Sprintf("uptime:    %s", snap.Uptime.Round(time.Second)),
		fmt.Sprintf("video:     connected=%v frames_published=%s", snap.VideoConnected, humanize.Comma(int64(c.mailbox.Published()))),
		fmt.Sprintf("control:   connected=%v telemetry_lines=%s", snap.ControlConnected, humanize.Comma(int64(snap.TelemetryLines))),
		fmt.Sprintf("commands:  sent=%s", humanize.Comma(int64(snap.CommandsSent))),
		fmt.Sprintf("downlink:  frames_sent=%s ws_subscribers=%d", humanize.Comma(int64(snap.FramesSent)), c.fan.SubscriberCount()),
	}
	if f := c.mailbox.Latest(); f != nil {
		lines = append(lines, fmt.Sprintf("frame:     %s seq=%d age=%s",
			humanize.IBytes(uint64(len(f.Payload))), f.Seq, time.Since(f.ReceivedAt).Round(time.Millisecond)))
	} else {
		lines = append(lines, "frame:     none received yet")
	}
	return lines
}

func (c *Console) recentLines() []string {
	if c.auditLog == nil {
		return []string{"audit log disabled"}
	}
	entries, err := c.auditLog.Recent(10)
	if err != nil {
		return []string{"audit query failed: " + err.Error()}
	}
	if len(entries) == 0 {
		return []string{"no commands recorded"}
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s  %-8s  %s", e.SentAt.Format("15:04:05"), e.Outcome, e.Command))
	}
	return lines
}

// Stop closes the listener and waits for the accept loop to exit. Active
// sessions wind down on their own read deadlines.
func (c *Console) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
	})
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
}
