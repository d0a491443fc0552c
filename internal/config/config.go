// Package config handles gateway configuration loading and validation.
//
// Settings come from an optional JSON or YAML file, then from environment
// variables, then from built-in defaults for anything still unset.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Recorder  RecorderConfig  `json:"recorder" yaml:"recorder"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the listener shared by WebSocket and HTTP clients.
type ServerConfig struct {
	Host            string   `json:"host,omitempty" yaml:"host,omitempty" env:"GATEWAY_HOST"`
	Port            int      `json:"port" yaml:"port" env:"AGENT_PORT"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"` // default 16MB
	SendQueue       int      `json:"send_queue,omitempty" yaml:"send_queue,omitempty"`               // per-connection outbound frames; default 256
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// UpstreamConfig locates the automation backend.
type UpstreamConfig struct {
	Host           string   `json:"host" yaml:"host" env:"AGENT_SERVICE_HOST"`
	Port           int      `json:"port" yaml:"port" env:"AGENT_SERVICE_PORT"`
	URL            string   `json:"url,omitempty" yaml:"url,omitempty" env:"GATEWAY_UPSTREAM_URL"` // overrides host and port
	ReconnectDelay Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty" env:"GATEWAY_UPSTREAM_RECONNECT"`
}

// Endpoint returns the WebSocket URL of the backend.
func (u UpstreamConfig) Endpoint() string {
	if u.URL != "" {
		return u.URL
	}
	return "ws://" + net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// StorageConfig defines the run database.
type StorageConfig struct {
	Driver    string   `json:"driver" yaml:"driver" env:"GATEWAY_STORAGE_DRIVER"` // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn" yaml:"dsn" env:"GATEWAY_STORAGE_DSN"`          // e.g. "botgate.db" or ":memory:"
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty" env:"GATEWAY_STORAGE_RETENTION"`
}

// RecorderConfig controls run recording.
type RecorderConfig struct {
	Disabled           bool     `json:"disabled,omitempty" yaml:"disabled,omitempty" env:"GATEWAY_RECORDER_DISABLED"`
	ScreenshotInterval Duration `json:"screenshot_interval,omitempty" yaml:"screenshot_interval,omitempty" env:"GATEWAY_SCREENSHOT_INTERVAL"`
	QueueSize          int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" env:"GATEWAY_LOG_LEVEL"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" env:"GATEWAY_LOG_FORMAT"` // "json" or "text"
}

// RateLimitConfig limits the HTTP command endpoints per client IP. A
// negative RequestsPerSecond turns the limit off.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty" env:"GATEWAY_RATE_LIMIT_RPS"` // default 5
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty" env:"GATEWAY_RATE_LIMIT_BURST"`                         // default 10
}

// Duration is a time.Duration that decodes from "30s"-style strings in
// JSON, YAML and environment variables. Bare JSON numbers are seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		return d.UnmarshalText([]byte(val))
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = dur
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config file at path (if any), applies environment
// overrides and defaults, and validates the result. An empty path means
// environment and defaults only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Save writes cfg to path as indented JSON, or YAML for .yaml/.yml paths.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upstream.URL == "" && (c.Upstream.Port <= 0 || c.Upstream.Port > 65535) {
		return fmt.Errorf("upstream.port %d out of range", c.Upstream.Port)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Upstream.ReconnectDelay.Duration < 0 || c.Recorder.ScreenshotInterval.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 7780
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 16 << 20 // 16MB; screenshots are data URLs
	}
	if c.Server.SendQueue == 0 {
		c.Server.SendQueue = 256
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "localhost"
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 7782
	}
	if c.Upstream.ReconnectDelay.Duration == 0 {
		c.Upstream.ReconnectDelay.Duration = 3 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "botgate.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Recorder.ScreenshotInterval.Duration == 0 {
		c.Recorder.ScreenshotInterval.Duration = 30 * time.Second
	}
	if c.Recorder.QueueSize == 0 {
		c.Recorder.QueueSize = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
}
