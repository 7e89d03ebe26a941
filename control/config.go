// control/config.go
// Author: momentics <momentics@gmail.com>
//
// YAML node configuration: listen address, static peers and engine limits.

package control

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/router"
	"gopkg.in/yaml.v3"
)

// Config describes one mesh node.
type Config struct {
	// NodeID is the logical id, its bits 16..23 select the service shard.
	NodeID uint32 `yaml:"node_id"`

	Listen ListenConfig `yaml:"listen"`
	Peers  []PeerConfig `yaml:"peers,omitempty"`

	MaxConn        int    `yaml:"max_conn,omitempty"`
	MaxEvents      int    `yaml:"max_events,omitempty"`
	RecvBufferSize int    `yaml:"recv_buffer_size,omitempty"`
	Prototype      string `yaml:"prototype,omitempty"`

	// IdleTimeout evicts silent streams, 0 disables it.
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// ReconnectInterval is the pause before a lost peer is dialed again.
	ReconnectInterval time.Duration `yaml:"reconnect_interval,omitempty"`
	Tick              time.Duration `yaml:"tick,omitempty"`

	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// ListenConfig is the inbound endpoint. With Derive set, the first bindable
// port from Port onwards is used.
type ListenConfig struct {
	IP     string `yaml:"ip"`
	Port   int    `yaml:"port"`
	Derive bool   `yaml:"derive,omitempty"`
}

// PeerConfig is a statically known node dialed at startup.
type PeerConfig struct {
	ID     uint32 `yaml:"id"`
	IP     string `yaml:"ip"`
	Port   int    `yaml:"port"`
	Group  uint16 `yaml:"group,omitempty"`
	Region uint16 `yaml:"region,omitempty"`
}

// Node returns the routing entry of the peer bound to token.
func (p PeerConfig) Node(token uint32) router.ServiceNode {
	return router.ServiceNode{ID: p.ID, Token: token, Group: p.Group, Region: p.Region}
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // "text" | "json"
}

// Default values applied by LoadConfig.
const (
	DefaultTick              = 10 * time.Millisecond
	DefaultConnectTimeout    = 3 * time.Second
	DefaultReconnectInterval = time.Second
)

// LoadConfig reads and validates a YAML config file. Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML config bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.IP == "" {
		c.Listen.IP = "0.0.0.0"
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Prototype == "" {
		c.Prototype = "rpc"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Metrics.applyDefaults()
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("%w: node_id is required", api.ErrInvalidArgument)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 0xffff {
		return fmt.Errorf("%w: listen port %d", api.ErrInvalidArgument, c.Listen.Port)
	}
	if _, err := ParsePrototype(c.Prototype); err != nil {
		return err
	}
	if c.Tick < 0 || c.IdleTimeout < 0 || c.ConnectTimeout < 0 || c.ReconnectInterval < 0 {
		return fmt.Errorf("%w: negative duration", api.ErrInvalidArgument)
	}
	seen := make(map[uint32]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == 0 || p.ID == c.NodeID {
			return fmt.Errorf("%w: peer %d has id %#x", api.ErrInvalidArgument, i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate peer id %#x", api.ErrInvalidArgument, p.ID)
		}
		seen[p.ID] = true
		if p.IP == "" || p.Port <= 0 || p.Port > 0xffff {
			return fmt.Errorf("%w: peer %#x address %s:%d", api.ErrInvalidArgument, p.ID, p.IP, p.Port)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", api.ErrInvalidArgument, c.Log.Format)
	}
	return nil
}

// ParsePrototype maps "pb", "rpc" or "text" to a framing.
func ParsePrototype(s string) (api.Prototype, error) {
	switch strings.ToLower(s) {
	case "pb":
		return api.ProtoPb, nil
	case "rpc":
		return api.ProtoRpc, nil
	case "text":
		return api.ProtoText, nil
	}
	return 0, fmt.Errorf("%w: prototype %q", api.ErrInvalidArgument, s)
}
