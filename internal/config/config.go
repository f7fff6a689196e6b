// Package config loads p0pnet configuration using koanf/v2.
//
// Supports YAML files, environment variables, and the defaults baked into
// DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete p0pnet configuration: the P0P session protocol,
// the HTTP forwarding proxy, logging, and the metrics endpoint.
type Config struct {
	P0P     P0PConfig     `koanf:"p0p"`
	Proxy   ProxyConfig   `koanf:"proxy"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// P0PConfig holds the P0P client/server defaults (spec.md sections 3-4).
type P0PConfig struct {
	// ListenAddr is the server's UDP listen address (e.g., ":9001").
	ListenAddr string `koanf:"listen_addr"`

	// Timeout is the per-session inactivity timeout, applied on both the
	// client (HELLO_WAIT/READY_TIMER/CLOSING) and server (ESTABLISHED)
	// sides.
	Timeout time.Duration `koanf:"timeout"`

	// MaxMessageLength is loaded and validated (> 0) but not passed to the
	// drivers: their receive buffers are sized by the p0p.MaxMessageLength
	// constant.
	MaxMessageLength int `koanf:"max_message_length"`
}

// ProxyConfig holds the HTTP forwarding proxy's defaults (spec.md section
// 4.5).
type ProxyConfig struct {
	// ListenAddr is the proxy's TCP listen address (e.g., ":8080").
	ListenAddr string `koanf:"listen_addr"`

	// ReadBufferSize is the chunk size used when reading a request or
	// response header, mirroring the original implementation's BUFSIZE.
	// Splicing uses io.Copy's own buffering.
	ReadBufferSize int `koanf:"read_buffer_size"`

	// IdleTimeout bounds how long a client or origin connection may sit
	// without sending data before the proxy tears it down.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// DefaultConfig returns a Config populated with sensible defaults. The P0P
// timeout of 10s matches the reference client/server's TIMEOUT constant;
// the proxy's read buffer and idle timeout match its BUFSIZE/TIMEOUT.
func DefaultConfig() *Config {
	return &Config{
		P0P: P0PConfig{
			ListenAddr:       ":9001",
			Timeout:          10 * time.Second,
			MaxMessageLength: 2048,
		},
		Proxy: ProxyConfig{
			ListenAddr:     ":8080",
			ReadBufferSize: 1024,
			IdleTimeout:    60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// envPrefix is the environment variable prefix for p0pnet configuration.
// Variables are named P0PNET_<section>_<key>, e.g., P0PNET_PROXY_LISTEN_ADDR.
const envPrefix = "P0PNET_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (P0PNET_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file load and
// returns defaults plus any environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms P0PNET_PROXY_LISTEN_ADDR -> proxy.listen_addr: the
// prefix is stripped, the result lowercased, and only the first remaining
// underscore becomes the section/key dot separator so multi-word field
// names like listen_addr survive intact.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + key
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"p0p.listen_addr":         d.P0P.ListenAddr,
		"p0p.timeout":             d.P0P.Timeout.String(),
		"p0p.max_message_length":  d.P0P.MaxMessageLength,
		"proxy.listen_addr":       d.Proxy.ListenAddr,
		"proxy.read_buffer_size":  d.Proxy.ReadBufferSize,
		"proxy.idle_timeout":      d.Proxy.IdleTimeout.String(),
		"log.level":               d.Log.Level,
		"log.format":              d.Log.Format,
		"metrics.addr":            d.Metrics.Addr,
		"metrics.path":            d.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Validation errors.
var (
	ErrEmptyP0PListenAddr   = errors.New("p0p.listen_addr must not be empty")
	ErrEmptyProxyListenAddr = errors.New("proxy.listen_addr must not be empty")
	ErrInvalidTimeout       = errors.New("p0p.timeout must be > 0")
	ErrInvalidMaxMsgLength  = errors.New("p0p.max_message_length must be > 0")
	ErrInvalidReadBufSize   = errors.New("proxy.read_buffer_size must be > 0")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.P0P.ListenAddr == "" {
		return ErrEmptyP0PListenAddr
	}
	if cfg.Proxy.ListenAddr == "" {
		return ErrEmptyProxyListenAddr
	}
	if cfg.P0P.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.P0P.MaxMessageLength <= 0 {
		return ErrInvalidMaxMsgLength
	}
	if cfg.Proxy.ReadBufferSize <= 0 {
		return ErrInvalidReadBufSize
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
