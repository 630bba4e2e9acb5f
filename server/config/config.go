// Package config binds the framework's TOML configuration document, the
// same format the teacher uses for mailproxy.toml (mailproxy/mailproxy.go),
// via github.com/BurntSushi/toml rather than encoding/json or a YAML
// library.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/swiftgate/swiftgate/core/pool"
)

// ListenerConfig binds the [Listener] TOML section.
type ListenerConfig struct {
	Endpoint   string `toml:"endpoint"`
	Backlog    int    `toml:"backlog"`
	TCPNoDelay bool   `toml:"tcp_nodelay"`
	KeepaliveS int    `toml:"keepalive"`
}

// BucketConfig binds one [[BufferPool.buckets]] entry.
type BucketConfig struct {
	Size  int `toml:"size"`
	Count int `toml:"count"`
}

// BufferPoolConfig binds the [BufferPool] TOML section.
type BufferPoolConfig struct {
	Buckets       []BucketConfig `toml:"buckets"`
	MaxBufferSize int            `toml:"max_buffer_size"`
}

// QueueConfig binds the [Queue] TOML section.
type QueueConfig struct {
	MaxTotal           int  `toml:"max_total"`
	PerPacketTimeoutMs int  `toml:"per_packet_timeout_ms"`
	ValidateOnDequeue  bool `toml:"validate_on_dequeue"`
	ThreadSafe         bool `toml:"thread_safe"`
	CollectStatistics  bool `toml:"collect_statistics"`
}

// DispatcherConfig binds the [Dispatcher] TOML section.
type DispatcherConfig struct {
	DefaultTimeoutMs          uint32 `toml:"default_timeout_ms"`
	MaxHandlerFailuresPerConn int    `toml:"max_handler_failures_per_conn"`
}

// ConnectionLimiterConfig binds the [ConnectionLimiter] TOML section.
type ConnectionLimiterConfig struct {
	MaxPerIP            int `toml:"max_per_ip"`
	InactivityThresholdS int `toml:"inactivity_threshold_s"`
	CleanupIntervalS    int `toml:"cleanup_interval_s"`
}

// Config is the framework's top-level, TOML-bound configuration document.
type Config struct {
	Listener          ListenerConfig          `toml:"Listener"`
	BufferPool        BufferPoolConfig        `toml:"BufferPool"`
	Queue             QueueConfig             `toml:"Queue"`
	Dispatcher        DispatcherConfig        `toml:"Dispatcher"`
	ConnectionLimiter ConnectionLimiterConfig `toml:"ConnectionLimiter"`
}

// LoadFile reads and parses a Config from a TOML file at path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with the framework's built-in defaults,
// the same values a deployment gets if it omits a section entirely.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Endpoint:   "0.0.0.0:4242",
			Backlog:    128,
			TCPNoDelay: true,
			KeepaliveS: 30,
		},
		BufferPool: BufferPoolConfig{
			Buckets:       bucketsFromPool(pool.DefaultBuckets()),
			MaxBufferSize: 65536,
		},
		Queue: QueueConfig{
			MaxTotal:           4096,
			PerPacketTimeoutMs: 30000,
			ValidateOnDequeue:  true,
			ThreadSafe:         true,
			CollectStatistics:  true,
		},
		Dispatcher: DispatcherConfig{
			DefaultTimeoutMs:          5000,
			MaxHandlerFailuresPerConn: 8,
		},
		ConnectionLimiter: ConnectionLimiterConfig{
			MaxPerIP:             16,
			InactivityThresholdS: 300,
			CleanupIntervalS:     30,
		},
	}
}

// Validate reports a descriptive error for any configuration combination the
// rest of the framework cannot run with.
func (c *Config) Validate() error {
	if c.Listener.Endpoint == "" {
		return fmt.Errorf("config: Listener.endpoint must not be empty")
	}
	if c.BufferPool.MaxBufferSize <= 0 {
		return fmt.Errorf("config: BufferPool.max_buffer_size must be positive")
	}
	if c.Queue.MaxTotal <= 0 {
		return fmt.Errorf("config: Queue.max_total must be positive")
	}
	return nil
}

// Buckets converts the TOML bucket list into core/pool.Bucket values.
func (b BufferPoolConfig) Buckets() []pool.Bucket {
	out := make([]pool.Bucket, 0, len(b.Buckets))
	for _, bucket := range b.Buckets {
		out = append(out, pool.Bucket{Size: bucket.Size, Count: bucket.Count})
	}
	return out
}

func bucketsFromPool(buckets []pool.Bucket) []BucketConfig {
	out := make([]BucketConfig, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketConfig{Size: b.Size, Count: b.Count})
	}
	return out
}

// Keepalive returns the configured keepalive interval as a time.Duration.
func (l ListenerConfig) Keepalive() time.Duration {
	return time.Duration(l.KeepaliveS) * time.Second
}

// InactivityThreshold returns the configured idle threshold as a
// time.Duration.
func (c ConnectionLimiterConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityThresholdS) * time.Second
}

// CleanupInterval returns the configured janitor sweep interval as a
// time.Duration.
func (c ConnectionLimiterConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalS) * time.Second
}

// PerPacketTimeout returns the configured per-packet queue timeout as a
// time.Duration.
func (q QueueConfig) PerPacketTimeout() time.Duration {
	return time.Duration(q.PerPacketTimeoutMs) * time.Millisecond
}
