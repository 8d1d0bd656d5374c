package config

import (
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Push      PushConfig      `mapstructure:"push" yaml:"push"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	WS        WSConfig        `mapstructure:"ws" yaml:"ws"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console | json
}

// StoreConfig selects the group store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite | badger
	Path   string `mapstructure:"path" yaml:"path"`
}

// RegistryConfig selects where connection entries live. "store" keeps them next
// to the groups; "redis" shares them between processes, each of which pushes
// to and prunes only the entries stamped with its relay.node_id.
type RegistryConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"` // store | redis
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

type BroadcastConfig struct {
	Payload        string `mapstructure:"payload" yaml:"payload"`       // full_log | new_message
	Recipients     string `mapstructure:"recipients" yaml:"recipients"` // all | connected_users
	ExcludeSender  bool   `mapstructure:"exclude_sender" yaml:"exclude_sender"`
	MaxConcurrency int    `mapstructure:"max_concurrency" yaml:"max_concurrency"`
}

type PushConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type RelayConfig struct {
	MaxMessageLength int `mapstructure:"max_message_length" yaml:"max_message_length"`
	// NodeID identifies this process in a shared registry. Defaults to the hostname.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`
}

type WSConfig struct {
	MaxMessageBytes int64   `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RatePerSec      float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst           int     `mapstructure:"burst" yaml:"burst"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "relay.db",
		},
		Registry: RegistryConfig{
			Driver:    "store",
			RedisAddr: "localhost:6379",
		},
		Broadcast: BroadcastConfig{
			Payload:       "full_log",
			Recipients:    "all",
			ExcludeSender: true,
		},
		Push: PushConfig{
			WriteTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			MaxMessageLength: 4096,
		},
		WS: WSConfig{
			MaxMessageBytes: 64 << 10,
			RatePerSec:      10,
			Burst:           20,
		},
	}
}

// Validate rejects unknown enum values and negative limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Registry.Driver {
	case "store", "redis":
	default:
		return fmt.Errorf("registry.driver: unknown driver %q", c.Registry.Driver)
	}
	switch c.Broadcast.Payload {
	case "full_log", "new_message":
	default:
		return fmt.Errorf("broadcast.payload: unknown policy %q", c.Broadcast.Payload)
	}
	switch c.Broadcast.Recipients {
	case "all", "connected_users":
	default:
		return fmt.Errorf("broadcast.recipients: unknown policy %q", c.Broadcast.Recipients)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Broadcast.MaxConcurrency < 0 {
		return fmt.Errorf("broadcast.max_concurrency: must not be negative")
	}
	if c.Relay.MaxMessageLength < 0 {
		return fmt.Errorf("relay.max_message_length: must not be negative")
	}
	if c.Push.WriteTimeout <= 0 {
		return fmt.Errorf("push.write_timeout: must be positive")
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.Path != "" {
		c.Store.Path = other.Store.Path
	}
	if other.Registry.Driver != "" {
		c.Registry.Driver = other.Registry.Driver
	}
	if other.Registry.RedisAddr != "" {
		c.Registry.RedisAddr = other.Registry.RedisAddr
	}
}
