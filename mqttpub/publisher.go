// Package mqttpub republishes the telemetry stream and periodic status
// snapshots to an MQTT broker. It registers as an ordinary fanout subscriber,
// so delivery semantics match the WebSocket clients: best effort, bounded
// buffer, drops under pressure.
package mqttpub

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"vehiclegw/fanout"
	"vehiclegw/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const publishTimeout = 5 * time.Second

// Publisher forwards telemetry lines and status snapshots to MQTT.
type Publisher struct {
	broker      string
	port        int
	topicPrefix string
	client      mqtt.Client

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// statusMessage is the JSON payload published on the status topic.
type statusMessage struct {
	VideoConnected   bool       `json:"videoConnected"`
	ControlConnected bool       `json:"controlConnected"`
	LastVideoFrameTs *time.Time `json:"lastVideoFrameTs"`
	LastTelemetryTs  *time.Time `json:"lastTelemetryTs"`
	CommandsSent     uint64     `json:"commandsSent"`
	TelemetryLines   uint64     `json:"telemetryLines"`
	FramesSent       uint64     `json:"framesSent"`
}

// NewPublisher creates a publisher for the given broker. Connect must be
// called before Run.
func NewPublisher(broker string, port int, topicPrefix string) *Publisher {
	return &Publisher{
		broker:      broker,
		port:        port,
		topicPrefix: topicPrefix,
		shutdown:    make(chan struct{}),
	}
}

// Connect establishes the MQTT session. Reconnection after a broker outage is
// delegated to the client library.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("vehiclegw-%d", time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("mqtt: connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt: connection lost: %v (auto-reconnect pending)", err)
	})

	p.client = mqtt.NewClient(opts)
	log.Printf("mqtt: connecting to %s...", brokerURL)
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", brokerURL, token.Error())
	}
	return nil
}

// Run drains the fanout subscription onto the telemetry topic and publishes a
// status snapshot every statusInterval. Returns immediately; work happens in
// background goroutines until Stop.
func (p *Publisher) Run(sub *fanout.Subscriber, status *state.Status, statusInterval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		topic := p.topicPrefix + "/telemetry"
		for {
			select {
			case <-p.shutdown:
				return
			case <-sub.Done():
				return
			case line := <-sub.Lines():
				p.publish(topic, []byte(line))
			}
		}
	}()

	if statusInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		topic := p.topicPrefix + "/status"
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.shutdown:
				return
			case <-ticker.C:
				payload, err := statusPayload(status.Snapshot())
				if err != nil {
					log.Printf("mqtt: encode status: %v", err)
					continue
				}
				p.publish(topic, payload)
			}
		}
	}()
}

func statusPayload(snap state.Snapshot) ([]byte, error) {
	return json.Marshal(statusMessage{
		VideoConnected:   snap.VideoConnected,
		ControlConnected: snap.ControlConnected,
		LastVideoFrameTs: snap.LastVideoFrame,
		LastTelemetryTs:  snap.LastTelemetry,
		CommandsSent:     snap.CommandsSent,
		TelemetryLines:   snap.TelemetryLines,
		FramesSent:       snap.FramesSent,
	})
}

// publish is best effort: a failed or timed-out publish is logged and the
// message is abandoned.
func (p *Publisher) publish(topic string, payload []byte) {
	if p.client == nil {
		return
	}
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("mqtt: publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt: publish to %s failed: %v", topic, err)
	}
}

// Stop terminates the background goroutines and disconnects from the broker.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.shutdown)
	})
	p.wg.Wait()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
