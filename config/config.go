package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ServerIP        = "127.0.0.1"
	ServerPort      = 7080
	ClientIP        = "127.0.0.1"
	ClientPortLower = 32768
	ClientPortUpper = 60999
)

// Config holds every tunable of the TOU stack. Durations are in milliseconds.
type Config struct {
	RetransmitPeriodMs   int     `yaml:"retransmit_period_ms"`   // period between resends of an unacknowledged segment
	SegmentTimeoutMs     int     `yaml:"segment_timeout_ms"`     // deadline for data, SYN-ACK, FIN and FIN-ACK segments
	HandshakeTimeoutMs   int     `yaml:"handshake_timeout_ms"`   // deadline for an outgoing SYN. 0 means retry forever
	SweepPeriodMs        int     `yaml:"sweep_period_ms"`        // how often expired received segments are evicted
	ReceivedSegmentTTLMs int     `yaml:"received_segment_ttl_ms"` // lifetime of a received control segment waiting in a queue
	CloseGraceMs         int     `yaml:"close_grace_ms"`         // wait after the last ACK of an active close
	QueueCapacity        int     `yaml:"queue_capacity"`         // capacity of per-connection received segment queues
	Backlog              int     `yaml:"backlog"`                // default listen backlog
	SendBufferSize       int     `yaml:"send_buffer_size"`       // bytes buffered by the output stream before Write blocks
	MaxPayloadSize       int     `yaml:"max_payload_size"`       // largest payload carried by one segment
	PayloadPoolSize      int     `yaml:"payload_pool_size"`      // receive buffers in the ring pool of each endpoint
	ClientPortLower      int     `yaml:"client_port_lower"`      // 0 lets the OS pick the client port
	ClientPortUpper      int     `yaml:"client_port_upper"`
	PacketLossRate       float64 `yaml:"packet_loss_rate"` // simulated loss on both directions, 0 disables it
	PacketLossSeed       int64   `yaml:"packet_loss_seed"`
	TOS                  int     `yaml:"tos"` // IPv4 type of service of the UDP endpoint, 0 leaves it untouched
	Debug                bool    `yaml:"debug"`
	LogLevel             string  `yaml:"log_level"`
	LogFormat            string  `yaml:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		RetransmitPeriodMs:   10,
		SegmentTimeoutMs:     1000,
		HandshakeTimeoutMs:   0,
		SweepPeriodMs:        100,
		ReceivedSegmentTTLMs: 1000,
		CloseGraceMs:         50,
		QueueCapacity:        64,
		Backlog:              50,
		SendBufferSize:       1 << 10,
		MaxPayloadSize:       1400,
		PayloadPoolSize:      64,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// ReadConfig loads a YAML file. Fields missing from the file keep their default value.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.RetransmitPeriodMs <= 0:
		return errors.New("retransmit_period_ms must be positive")
	case c.SweepPeriodMs <= 0:
		return errors.New("sweep_period_ms must be positive")
	case c.SegmentTimeoutMs < 0 || c.HandshakeTimeoutMs < 0 || c.ReceivedSegmentTTLMs < 0 || c.CloseGraceMs < 0:
		return errors.New("timeouts must not be negative")
	case c.QueueCapacity <= 0:
		return errors.New("queue_capacity must be positive")
	case c.SendBufferSize <= 0:
		return errors.New("send_buffer_size must be positive")
	case c.MaxPayloadSize <= 0 || c.MaxPayloadSize > 65507-9:
		return errors.New("max_payload_size must be in (0, 65498]")
	case c.PayloadPoolSize <= 0:
		return errors.New("payload_pool_size must be positive")
	case c.PacketLossRate < 0 || c.PacketLossRate >= 1:
		return errors.New("packet_loss_rate must be in [0, 1)")
	case c.ClientPortLower != 0 || c.ClientPortUpper != 0:
		if c.ClientPortLower <= 0 || c.ClientPortUpper > 65535 || c.ClientPortLower > c.ClientPortUpper {
			return errors.Errorf("invalid client port range %d-%d", c.ClientPortLower, c.ClientPortUpper)
		}
	}
	return nil
}
