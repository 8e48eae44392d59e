// Package config loads and holds the immutable configuration snapshot
// shared by every AegisGate component.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the immutable, process-wide configuration snapshot read
// once at startup and passed by shared read-only reference to every
// component.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Limit     LimitConfig     `yaml:"limit"`
	Slowloris SlowlorisConfig `yaml:"slowloris"`
	Features  FeaturesConfig  `yaml:"features"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// TracingConfig controls the optional OpenTelemetry trace exporter
// wrapped around the admission pipeline.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRatio  float64 `yaml:"sampling_ratio"`
}

// ProxyConfig defines the listen/upstream endpoints and MQTT sizing.
type ProxyConfig struct {
	ListenAddress       string `yaml:"listen_address"`
	TargetAddress       string `yaml:"target_address"`
	MaxConnectRemaining int    `yaml:"max_connect_remaining"`
}

// LimitConfig defines the per-IP token-bucket rate limiter.
type LimitConfig struct {
	MaxTokens       float64 `yaml:"max_tokens"`
	RefillRate      float64 `yaml:"refill_rate"`
	CleanupInterval int     `yaml:"cleanup_interval"` // seconds
	IPIdleTimeout   int     `yaml:"ip_idle_timeout"`  // seconds
}

// SlowlorisConfig defines the admission pipeline's timeout budget.
// Fields ending in Ms are wall-clock milliseconds.
type SlowlorisConfig struct {
	FirstPacketTimeoutMs int `yaml:"first_packet_timeout_ms"`
	PacketIdleTimeoutMs  int `yaml:"packet_idle_timeout_ms"`
	ConnectionTimeoutMs  int `yaml:"connection_timeout_ms"`
	MQTTConnectTimeoutMs int `yaml:"mqtt_connect_timeout_ms"`
	HTTPRequestTimeoutMs int `yaml:"http_request_timeout_ms"`
	MaxHTTPHeaderSize    int `yaml:"max_http_header_size"`
	MaxHTTPHeaderCount   int `yaml:"max_http_header_count"`
}

// FeaturesConfig toggles admission pipeline stages on or off. Disabled
// stages are removed from the pipeline entirely rather than checked in
// the hot loop.
type FeaturesConfig struct {
	EnableRateLimiter         bool `yaml:"enable_rate_limiter"`
	EnableSlowlorisProtection bool `yaml:"enable_slowloris_protection"`
	EnableHTTPInspection      bool `yaml:"enable_http_inspection"`
	EnableMQTTInspection      bool `yaml:"enable_mqtt_inspection"`
	EnableMQTTFullInspection  bool `yaml:"enable_mqtt_full_inspection"`
}

// MetricsConfig controls the observability endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// CleanupIntervalDuration returns LimitConfig.CleanupInterval as a
// time.Duration.
func (l LimitConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(l.CleanupInterval) * time.Second
}

// IPIdleTimeoutDuration returns LimitConfig.IPIdleTimeout as a
// time.Duration.
func (l LimitConfig) IPIdleTimeoutDuration() time.Duration {
	return time.Duration(l.IPIdleTimeout) * time.Second
}

// FirstPacketTimeout returns the first-packet read deadline.
func (s SlowlorisConfig) FirstPacketTimeout() time.Duration {
	return time.Duration(s.FirstPacketTimeoutMs) * time.Millisecond
}

// PacketIdleTimeout returns the per-read idle deadline.
func (s SlowlorisConfig) PacketIdleTimeout() time.Duration {
	return time.Duration(s.PacketIdleTimeoutMs) * time.Millisecond
}

// ConnectionTimeout returns the umbrella Admit-through-Dial deadline.
func (s SlowlorisConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

// MQTTConnectTimeout returns the MQTT CONNECT accumulation deadline.
func (s SlowlorisConfig) MQTTConnectTimeout() time.Duration {
	return time.Duration(s.MQTTConnectTimeoutMs) * time.Millisecond
}

// HTTPRequestTimeout returns the HTTP header-scan deadline.
func (s SlowlorisConfig) HTTPRequestTimeout() time.Duration {
	return time.Duration(s.HTTPRequestTimeoutMs) * time.Millisecond
}

// DefaultConfig returns the configuration used when no YAML document
// overrides a field, or when no document is supplied at all.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddress:       "0.0.0.0:1883",
			TargetAddress:       "127.0.0.1:18830",
			MaxConnectRemaining: 268435455,
		},
		Limit: LimitConfig{
			MaxTokens:       20,
			RefillRate:      5,
			CleanupInterval: 60,
			IPIdleTimeout:   300,
		},
		Slowloris: SlowlorisConfig{
			FirstPacketTimeoutMs: 3000,
			PacketIdleTimeoutMs:  5000,
			ConnectionTimeoutMs:  10000,
			MQTTConnectTimeoutMs: 5000,
			HTTPRequestTimeoutMs: 5000,
			MaxHTTPHeaderSize:    8192,
			MaxHTTPHeaderCount:   100,
		},
		Features: FeaturesConfig{
			EnableRateLimiter:         true,
			EnableSlowlorisProtection: true,
			EnableHTTPInspection:      true,
			EnableMQTTInspection:      true,
			EnableMQTTFullInspection:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "aegisgate",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			SamplingRatio:  0.1,
		},
	}
}

// GetInstance returns the singleton config instance, lazily falling
// back to DefaultConfig if LoadConfig was never called.
func GetInstance() *Config {
	once.Do(func() {
		instance = DefaultConfig()
	})
	return instance
}

// LoadConfig reads the YAML document at path, validates it, and
// installs it as the process-wide singleton. It must be called at
// most once, before any other component reads GetInstance.
func LoadConfig(path string) error {
	cfg, err := loadFromFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	once.Do(func() {
		instance = cfg
	})
	return nil
}

// loadFromFile reads configuration from a YAML file, overlaying it on
// top of DefaultConfig so a partial document still produces a
// complete, valid snapshot.
func loadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configuration values that would make the admission
// pipeline or observability server meaningless or unsafe to start.
func (c *Config) Validate() error {
	if c.Proxy.ListenAddress == "" {
		return fmt.Errorf("proxy.listen_address must not be empty")
	}
	if c.Proxy.TargetAddress == "" {
		return fmt.Errorf("proxy.target_address must not be empty")
	}
	if c.Proxy.MaxConnectRemaining <= 0 {
		return fmt.Errorf("proxy.max_connect_remaining must be positive")
	}
	if c.Features.EnableRateLimiter {
		if c.Limit.MaxTokens <= 0 {
			return fmt.Errorf("limit.max_tokens must be positive")
		}
		if c.Limit.RefillRate <= 0 {
			return fmt.Errorf("limit.refill_rate must be positive")
		}
		if c.Limit.CleanupInterval <= 0 {
			return fmt.Errorf("limit.cleanup_interval must be positive")
		}
		if c.Limit.IPIdleTimeout <= 0 {
			return fmt.Errorf("limit.ip_idle_timeout must be positive")
		}
	}
	if c.Features.EnableSlowlorisProtection {
		if c.Slowloris.FirstPacketTimeoutMs <= 0 || c.Slowloris.PacketIdleTimeoutMs <= 0 ||
			c.Slowloris.ConnectionTimeoutMs <= 0 {
			return fmt.Errorf("slowloris timeouts must be positive")
		}
	}
	if c.Features.EnableHTTPInspection {
		if c.Slowloris.MaxHTTPHeaderSize <= 0 || c.Slowloris.MaxHTTPHeaderCount <= 0 {
			return fmt.Errorf("slowloris.max_http_header_size and max_http_header_count must be positive")
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}
