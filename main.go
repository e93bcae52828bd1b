// Program vehiclegw bridges a vehicle's onboard video and control TCP
// interfaces to web clients: polling HTTP, an MJPEG stream, and two WebSocket
// channels, with command submission back to the vehicle. Optional extras: an
// MQTT telemetry republisher, a SQLite command audit log and a telnet ops
// console.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"vehiclegw/audit"
	"vehiclegw/config"
	"vehiclegw/console"
	"vehiclegw/fanout"
	"vehiclegw/gateway"
	"vehiclegw/link"
	"vehiclegw/mqttpub"
	"vehiclegw/state"
)

const (
	envConfigPath  = "VGW_CONFIG_PATH"
	stopTimeout    = 2 * time.Second
	statusInterval = 10 * time.Second // mqtt status publish cadence
)

func main() {
	configPath := flag.String("config", "", "path to gateway config YAML (default: $VGW_CONFIG_PATH or built-in defaults)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logWriter, err := setupLogging(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	if logWriter != nil {
		defer logWriter.Close()
	}

	status := state.NewStatus()
	mailbox := state.NewFrameMailbox()

	fan := fanout.New(cfg.Fanout.QueueSize, cfg.Fanout.SubscriberBuffer)
	fan.Start()

	controlLink := link.NewControlLink(status, fan)

	videoAddr := net.JoinHostPort(cfg.Upstream.Host, fmt.Sprintf("%d", cfg.Upstream.VideoPort))
	videoSup := link.NewSupervisor(link.SupervisorConfig{
		Name:        "video",
		Addr:        videoAddr,
		DialTimeout: cfg.DialTimeout(),
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		Handler:     link.NewVideoReader(mailbox, status),
		OnUp:        func(net.Conn) { status.SetVideoConnected(true) },
		OnDown:      func() { status.SetVideoConnected(false) },
	})

	controlAddr := net.JoinHostPort(cfg.Upstream.Host, fmt.Sprintf("%d", cfg.Upstream.ControlPort))
	controlSup := link.NewSupervisor(link.SupervisorConfig{
		Name:        "control",
		Addr:        controlAddr,
		DialTimeout: cfg.DialTimeout(),
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		Handler:     controlLink,
		OnUp: func(conn net.Conn) {
			controlLink.Attach(conn)
			status.SetControlConnected(true)
		},
		OnDown: func() {
			controlLink.Detach()
			status.SetControlConnected(false)
		},
	})

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("audit: %v", err)
		}
		defer auditLog.Close()
	}

	api := gateway.NewServer(gateway.Config{
		Status:         status,
		Mailbox:        mailbox,
		Fanout:         fan,
		Commands:       controlLink,
		AuditLog:       auditLog,
		StreamInterval: cfg.StreamInterval(),
	})
	if err := api.Start(cfg.Gateway.Port); err != nil {
		log.Fatalf("gateway: %v", err)
	}

	videoSup.Start()
	controlSup.Start()

	var mqttPublisher *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher = mqttpub.NewPublisher(cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.TopicPrefix)
		if err := mqttPublisher.Connect(); err != nil {
			// Degraded start: the gateway works without the republisher.
			log.Printf("mqtt: %v (republisher disabled)", err)
			mqttPublisher = nil
		} else {
			mqttPublisher.Run(fan.Subscribe("mqtt"), status, statusInterval)
		}
	}

	var opsConsole *console.Console
	if cfg.Console.Enabled {
		opsConsole = console.New(status, mailbox, fan, controlLink, auditLog)
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Console.Port)
		if err := opsConsole.Start(addr); err != nil {
			log.Fatalf("console: %v", err)
		}
	}

	statsDone := make(chan struct{})
	go statsLoop(status, mailbox, fan, time.Duration(cfg.Stats.IntervalSec)*time.Second, statsDone)

	log.Printf("gateway up: upstream video=%s control=%s http=:%d", videoAddr, controlAddr, cfg.Gateway.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("received %s, shutting down...", sig)

	close(statsDone)
	videoSup.Stop(stopTimeout)
	controlSup.Stop(stopTimeout)
	fan.Stop()
	if opsConsole != nil {
		opsConsole.Stop()
	}
	if mqttPublisher != nil {
		mqttPublisher.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	api.Stop(ctx)

	log.Println("shutdown complete")
}

func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		log.Println("no config file given, using built-in defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

// statsLoop logs a one-line summary on a fixed cadence until done is closed.
func statsLoop(status *state.Status, mailbox *state.FrameMailbox, fan *fanout.Fanout, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Println(formatStatsLine(status.Snapshot(), mailbox, fan))
		}
	}
}

func formatStatsLine(snap state.Snapshot, mailbox *state.FrameMailbox, fan *fanout.Fanout) string {
	queueDrops, preStartDrops, delivered := fan.Metrics()
	frameNote := "none"
	if f := mailbox.Latest(); f != nil {
		frameNote = humanize.IBytes(uint64(len(f.Payload)))
	}
	return fmt.Sprintf(
		"stats: up=%s video=%v control=%v frames_in=%s (dup=%s, last=%s) telemetry=%s delivered=%s drops=%d/%d commands=%s frames_out=%s subs=%d",
		snap.Uptime.Round(time.Second),
		snap.VideoConnected,
		snap.ControlConnected,
		humanize.Comma(int64(mailbox.Published())),
		humanize.Comma(int64(mailbox.DuplicatePublishes())),
		frameNote,
		humanize.Comma(int64(snap.TelemetryLines)),
		humanize.Comma(int64(delivered)),
		queueDrops, preStartDrops,
		humanize.Comma(int64(snap.CommandsSent)),
		humanize.Comma(int64(snap.FramesSent)),
		fan.SubscriberCount(),
	)
}
