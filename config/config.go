// Package config loads the gateway configuration from a YAML file and applies
// defaults so a minimal file (or none of the optional sections) still yields a
// runnable setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Console  ConsoleConfig  `yaml:"console"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
	Stats    StatsConfig    `yaml:"stats"`
}

// UpstreamConfig describes the vehicle-side TCP endpoints.
type UpstreamConfig struct {
	Host           string `yaml:"host"`
	VideoPort      int    `yaml:"video_port"`
	ControlPort    int    `yaml:"control_port"`
	DialTimeoutSec int    `yaml:"dial_timeout_s"`
}

// BackoffConfig bounds the reconnect delay applied after link failures.
type BackoffConfig struct {
	BaseMillis int `yaml:"base_ms"`
	MaxMillis  int `yaml:"max_ms"`
}

// GatewayConfig contains the HTTP/WebSocket listener settings.
type GatewayConfig struct {
	Port      int `yaml:"port"`
	StreamFPS int `yaml:"stream_fps"`
}

// FanoutConfig sizes the telemetry distribution queues.
type FanoutConfig struct {
	QueueSize        int `yaml:"queue_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// ConsoleConfig contains the optional telnet ops console settings.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MQTTConfig contains the optional telemetry republisher settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// AuditConfig contains the optional command audit log settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings. Dir empty means stdout only.
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatsConfig controls the periodic stats summary line.
type StatsConfig struct {
	IntervalSec int `yaml:"interval_s"`
}

// Load loads configuration from a YAML file, applies defaults and validates.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no optional
// subsystems enabled. Used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Upstream.Host == "" {
		c.Upstream.Host = "127.0.0.1"
	}
	if c.Upstream.VideoPort == 0 {
		c.Upstream.VideoPort = 5600
	}
	if c.Upstream.ControlPort == 0 {
		c.Upstream.ControlPort = 5760
	}
	if c.Upstream.DialTimeoutSec <= 0 {
		c.Upstream.DialTimeoutSec = 10
	}
	if c.Backoff.BaseMillis <= 0 {
		c.Backoff.BaseMillis = 1000
	}
	if c.Backoff.MaxMillis <= 0 {
		c.Backoff.MaxMillis = 10000
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8090
	}
	if c.Gateway.StreamFPS <= 0 {
		c.Gateway.StreamFPS = 20
	}
	if c.Fanout.QueueSize <= 0 {
		c.Fanout.QueueSize = 256
	}
	if c.Fanout.SubscriberBuffer <= 0 {
		c.Fanout.SubscriberBuffer = 32
	}
	if c.Console.Port == 0 {
		c.Console.Port = 7300
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "vehiclegw"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit/commands.db"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Stats.IntervalSec <= 0 {
		c.Stats.IntervalSec = 60
	}
}

// Validate rejects configurations that cannot produce a working gateway.
func (c *Config) Validate() error {
	if err := validPort(c.Upstream.VideoPort); err != nil {
		return fmt.Errorf("upstream.video_port: %w", err)
	}
	if err := validPort(c.Upstream.ControlPort); err != nil {
		return fmt.Errorf("upstream.control_port: %w", err)
	}
	if c.Upstream.VideoPort == c.Upstream.ControlPort {
		return fmt.Errorf("upstream video and control ports must differ (both %d)", c.Upstream.VideoPort)
	}
	if err := validPort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway.port: %w", err)
	}
	if c.Backoff.MaxMillis < c.Backoff.BaseMillis {
		return fmt.Errorf("backoff.max_ms (%d) must be >= backoff.base_ms (%d)", c.Backoff.MaxMillis, c.Backoff.BaseMillis)
	}
	if c.Gateway.StreamFPS > 60 {
		return fmt.Errorf("gateway.stream_fps (%d) exceeds the supported cap of 60", c.Gateway.StreamFPS)
	}
	if c.Console.Enabled {
		if err := validPort(c.Console.Port); err != nil {
			return fmt.Errorf("console.port: %w", err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
	}
	return nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", p)
	}
	return nil
}

// BackoffBase returns the configured base reconnect delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Backoff.BaseMillis) * time.Millisecond
}

// BackoffMax returns the configured reconnect delay cap.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Backoff.MaxMillis) * time.Millisecond
}

// DialTimeout returns the upstream dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Upstream.DialTimeoutSec) * time.Second
}

// StreamInterval returns the pacing interval for the MJPEG and video
// WebSocket pushers derived from the configured FPS.
func (c *Config) StreamInterval() time.Duration {
	return time.Second / time.Duration(c.Gateway.StreamFPS)
}
