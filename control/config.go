// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Client configuration: typed sections loaded through viper, plus a
// thread-safe store with hot-reload listeners.

package control

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. HIOLOAD_RETRY_MAXRETRIES.
const EnvPrefix = "HIOLOAD"

// Transport kinds.
const (
	TransportNetHTTP = "nethttp"
	TransportResty   = "resty"
)

// WebSocket kinds.
const (
	WebSocketNative  = "native"
	WebSocketGorilla = "gorilla"
)

// TransportConfig selects and tunes the HTTP transport.
type TransportConfig struct {
	Kind                  string        `mapstructure:"kind"`
	DialTimeout           time.Duration `mapstructure:"dialTimeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"responseHeaderTimeout"`
	MaxResponseBytes      int64         `mapstructure:"maxResponseBytes"`
	NoDelay               bool          `mapstructure:"noDelay"`
}

// WebSocketConfig selects and tunes the WebSocket transport.
type WebSocketConfig struct {
	Kind             string        `mapstructure:"kind"`
	ReadBufferSize   int           `mapstructure:"readBufferSize"`
	MaxFramePayload  int64         `mapstructure:"maxFramePayload"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

// RetryConfig tunes the retry policy. MaxRetries counts attempts after the
// first. TryTimeout bounds each attempt; zero leaves attempts unbounded.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"maxRetries"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	TryTimeout  time.Duration `mapstructure:"tryTimeout"`
	StatusCodes []int         `mapstructure:"statusCodes"`
}

// LogConfig configures the zap logger. File enables a rotating log file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the complete client configuration.
type Config struct {
	UserAgent string            `mapstructure:"userAgent"`
	Headers   map[string]string `mapstructure:"headers"`
	Transport TransportConfig   `mapstructure:"transport"`
	WebSocket WebSocketConfig   `mapstructure:"websocket"`
	Retry     RetryConfig       `mapstructure:"retry"`
	Log       LogConfig         `mapstructure:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		UserAgent: "hioload-pipeline/1.0",
		Headers:   map[string]string{},
		Transport: TransportConfig{
			Kind:                  TransportNetHTTP,
			DialTimeout:           10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxResponseBytes:      64 << 20,
			NoDelay:               true,
		},
		WebSocket: WebSocketConfig{
			Kind:             WebSocketNative,
			ReadBufferSize:   4096,
			MaxFramePayload:  16 << 20,
			HandshakeTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			Delay:       800 * time.Millisecond,
			MaxDelay:    60 * time.Second,
			StatusCodes: []int{408, 429, 500, 502, 503, 504},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate rejects configurations no component can run with.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportNetHTTP, TransportResty:
	default:
		return fmt.Errorf("transport.kind %q: want %q or %q", c.Transport.Kind, TransportNetHTTP, TransportResty)
	}
	switch c.WebSocket.Kind {
	case WebSocketNative, WebSocketGorilla:
	default:
		return fmt.Errorf("websocket.kind %q: want %q or %q", c.WebSocket.Kind, WebSocketNative, WebSocketGorilla)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must not be negative")
	}
	if c.Retry.TryTimeout < 0 {
		return fmt.Errorf("retry.tryTimeout must not be negative")
	}
	if c.WebSocket.ReadBufferSize <= 0 {
		return fmt.Errorf("websocket.readBufferSize must be positive")
	}
	return nil
}

// newViper returns a viper instance primed with defaults and env overrides.
// A fresh instance per load keeps concurrent loaders independent.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("userAgent", d.UserAgent)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.dialTimeout", d.Transport.DialTimeout)
	v.SetDefault("transport.responseHeaderTimeout", d.Transport.ResponseHeaderTimeout)
	v.SetDefault("transport.maxResponseBytes", d.Transport.MaxResponseBytes)
	v.SetDefault("transport.noDelay", d.Transport.NoDelay)
	v.SetDefault("websocket.kind", d.WebSocket.Kind)
	v.SetDefault("websocket.readBufferSize", d.WebSocket.ReadBufferSize)
	v.SetDefault("websocket.maxFramePayload", d.WebSocket.MaxFramePayload)
	v.SetDefault("websocket.handshakeTimeout", d.WebSocket.HandshakeTimeout)
	v.SetDefault("retry.maxRetries", d.Retry.MaxRetries)
	v.SetDefault("retry.delay", d.Retry.Delay)
	v.SetDefault("retry.maxDelay", d.Retry.MaxDelay)
	v.SetDefault("retry.tryTimeout", d.Retry.TryTimeout)
	v.SetDefault("retry.statusCodes", d.Retry.StatusCodes)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.maxSizeMB", d.Log.MaxSizeMB)
	v.SetDefault("log.maxBackups", d.Log.MaxBackups)
	v.SetDefault("log.maxAgeDays", d.Log.MaxAgeDays)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a YAML file at path. An empty path yields the defaults
// with environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadConfigFromString parses YAML content; convenient for embedding and tests.
func LoadConfigFromString(content string) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return decode(v)
}

// ConfigStore holds the active configuration and notifies listeners on change.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store with cfg (DefaultConfig when nil).
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConfigStore{config: cfg}
}

// Snapshot returns the active configuration. Callers must not mutate it.
func (cs *ConfigStore) Snapshot() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Set replaces the configuration and dispatches reload listeners.
func (cs *ConfigStore) Set(cfg *Config) {
	cs.mu.Lock()
	cs.config = cfg
	listeners := append([]func(*Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Watch loads path into a new store and reloads it whenever the file
// changes. Invalid edits are reported to onError and the previous
// configuration stays active.
func Watch(path string, onError func(error)) (*ConfigStore, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	store := NewConfigStore(cfg)
	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		store.Set(next)
	})
	v.WatchConfig()
	return store, nil
}
