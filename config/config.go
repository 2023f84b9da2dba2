// Package config loads layered configuration for a flowmq Client: baseline
// defaults, an optional YAML file, and an optional env-var prefix, in that
// order, using an Options-over-koanf pattern.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/aquamarinepk/flowmq/log"
)

// Config holds logging, discovery-polling, subscriber, and publisher
// settings, including the broker/lookup node lists deployment supplies
// (CLI flag loading is intentionally absent: CLI/packaging is out of
// scope for this client library).
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Lookup     LookupConfig     `koanf:"lookup"`
	Subscriber SubscriberConfig `koanf:"subscriber"`
	Publisher  PublisherConfig  `koanf:"publisher"`

	k      *koanf.Koanf
	logger log.Logger
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `koanf:"level"`
}

// LookupConfig configures the discovery polling loop.
type LookupConfig struct {
	Hosts                  []string `koanf:"hosts"`
	IntervalSecs           int      `koanf:"interval_secs"`
	MaxFailuresBeforeError int      `koanf:"max_failures_before_error"`
}

// SubscriberConfig configures Subscriber-owned Subscriptions.
type SubscriberConfig struct {
	DefaultMaxInFlight  int `koanf:"default_max_in_flight"`
	MaxFlushDelayMillis int `koanf:"max_flush_delay_millis"`
	MaxAttempts         int `koanf:"max_attempts"`
	DialTimeoutMs       int `koanf:"dial_timeout_ms"`
}

// PublisherConfig configures the Publisher's balance strategy.
type PublisherConfig struct {
	Nodes         []string `koanf:"nodes"`
	Atomic        bool     `koanf:"atomic"`
	DialTimeoutMs int      `koanf:"dial_timeout_ms"`
}

// Option configures Config during initialization.
type Option func(*configOptions) error

// configOptions holds option values during initialization.
type configOptions struct {
	prefix       string
	file         string
	defaults     map[string]interface{}
	envExpansion bool
}

// WithPrefix sets the environment variable prefix (e.g., "FLOWMQ_").
func WithPrefix(prefix string) Option {
	return func(opts *configOptions) error {
		opts.prefix = prefix
		return nil
	}
}

// WithFile loads configuration from a YAML file.
func WithFile(path string) Option {
	return func(opts *configOptions) error {
		opts.file = path
		return nil
	}
}

// WithDefaults provides default values via a map, overriding the baseline
// defaults but still overridable by file/env.
func WithDefaults(defaults map[string]interface{}) Option {
	return func(opts *configOptions) error {
		opts.defaults = defaults
		return nil
	}
}

// WithEnvExpansion enables ${VAR} expansion in config files.
func WithEnvExpansion() Option {
	return func(opts *configOptions) error {
		opts.envExpansion = true
		return nil
	}
}

// New creates a Config from baseline defaults, an optional YAML file, and an
// optional env-var prefix, in that precedence order (later overrides
// earlier), then validates.
func New(logger log.Logger, opts ...Option) (*Config, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	cfg := &Config{
		logger: logger,
		k:      koanf.New("."),
	}

	options := &configOptions{
		defaults: make(map[string]interface{}),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, fmt.Errorf("config: apply option: %w", err)
		}
	}

	baselineDefaults := map[string]interface{}{
		"log.level":                         "info",
		"lookup.hosts":                      []string{"127.0.0.1:4161"},
		"lookup.interval_secs":              60,
		"lookup.max_failures_before_error":  5,
		"subscriber.default_max_in_flight":  200,
		"subscriber.max_flush_delay_millis": 2000,
		"subscriber.max_attempts":           0,
		"subscriber.dial_timeout_ms":        5000,
		"publisher.nodes":                   []string{},
		"publisher.atomic":                  false,
		"publisher.dial_timeout_ms":         5000,
	}

	for k, v := range baselineDefaults {
		if _, exists := options.defaults[k]; !exists {
			options.defaults[k] = v
		}
	}

	if err := cfg.k.Load(confmap.Provider(options.defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if options.file != "" {
		raw, err := os.ReadFile(options.file)
		if err != nil {
			logger.Debugf("config file not found: %s (using defaults)", options.file)
		} else {
			if options.envExpansion {
				raw = []byte(os.ExpandEnv(string(raw)))
			}
			if err := cfg.k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: parse file %s: %w", options.file, err)
			}
			logger.Debugf("loaded config from file: %s", options.file)
		}
	}

	if options.prefix != "" {
		if err := cfg.k.Load(env.Provider(options.prefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(s, options.prefix)), "_", ".", -1)
		}), nil); err != nil {
			return nil, fmt.Errorf("config: load environment variables: %w", err)
		}
	}

	if err := cfg.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	logger.Infof("configuration loaded: lookup_hosts=%v interval=%ds default_max_in_flight=%d atomic=%v",
		cfg.Lookup.Hosts, cfg.Lookup.IntervalSecs, cfg.Subscriber.DefaultMaxInFlight, cfg.Publisher.Atomic)

	return cfg, nil
}

// GetString returns the string value for the given path.
func (c *Config) GetString(path string) string {
	return c.k.String(path)
}

// GetInt returns the int value for the given path.
func (c *Config) GetInt(path string) int {
	return c.k.Int(path)
}

// GetBool returns the bool value for the given path.
func (c *Config) GetBool(path string) bool {
	return c.k.Bool(path)
}

// GetFloat returns the float64 value for the given path.
func (c *Config) GetFloat(path string) float64 {
	return c.k.Float64(path)
}

// GetDuration parses and returns a time.Duration for the given path.
func (c *Config) GetDuration(path string) (time.Duration, error) {
	s := c.k.String(path)
	if s == "" {
		return 0, fmt.Errorf("config: no value found for path: %s", path)
	}
	return time.ParseDuration(s)
}

// Exists returns true if the given path exists in the configuration.
func (c *Config) Exists(path string) bool {
	return c.k.Exists(path)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be 'debug', 'info', or 'error', got '%s'", c.Log.Level)
	}

	if c.Lookup.IntervalSecs <= 0 {
		return fmt.Errorf("lookup.interval_secs must be > 0, got %d", c.Lookup.IntervalSecs)
	}
	if c.Lookup.MaxFailuresBeforeError <= 0 {
		return fmt.Errorf("lookup.max_failures_before_error must be > 0, got %d", c.Lookup.MaxFailuresBeforeError)
	}

	if c.Subscriber.DefaultMaxInFlight < 0 {
		return fmt.Errorf("subscriber.default_max_in_flight must be >= 0, got %d", c.Subscriber.DefaultMaxInFlight)
	}
	if c.Subscriber.MaxFlushDelayMillis <= 0 {
		return fmt.Errorf("subscriber.max_flush_delay_millis must be > 0, got %d", c.Subscriber.MaxFlushDelayMillis)
	}
	if c.Subscriber.MaxAttempts < 0 {
		return fmt.Errorf("subscriber.max_attempts must be >= 0, got %d", c.Subscriber.MaxAttempts)
	}

	c.logger.Debugf("configuration validated successfully")
	return nil
}
