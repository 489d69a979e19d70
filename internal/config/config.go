/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads and validates the service configuration from a YAML
// file and TRACEVAULT_* environment variables (environment wins).
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/tracevault/tracevault/internal/limiter"
	"github.com/tracevault/tracevault/internal/logging"
)

const envPrefix = "TRACEVAULT"

// Default server parameters.
const (
	DefaultServerAddress      = ":8080"
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultMaxRequestBodySize = ByteSize(1024 * 1024)
)

// DefaultStoreTimeout bounds every request to the key-value backend.
const DefaultStoreTimeout = 10 * time.Second

// DefaultRateLimitHandle identifies the rate limiter's state cell.
const DefaultRateLimitHandle = "main"

// ServerConfig is a set of configuration parameters for the HTTP server.
type ServerConfig struct {
	Address            string        `mapstructure:"address" yaml:"address"`
	ReadTimeout        time.Duration `mapstructure:"readTimeout" yaml:"readTimeout"`
	WriteTimeout       time.Duration `mapstructure:"writeTimeout" yaml:"writeTimeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout"`
	MaxRequestBodySize ByteSize      `mapstructure:"maxRequestBodySize" yaml:"maxRequestBodySize"`
}

// StoreConfig is a set of configuration parameters for the key-value backend.
type StoreConfig struct {
	BaseURL        string        `mapstructure:"baseUrl" yaml:"baseUrl"`
	AuthToken      string        `mapstructure:"authToken" yaml:"authToken"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout" yaml:"requestTimeout"`
}

// RateLimitConfig is a set of configuration parameters for admission control.
// SystemQuotas values accept anything castable to int so that file and
// environment forms both work.
type RateLimitConfig struct {
	GlobalLimit   int                    `mapstructure:"globalLimit" yaml:"globalLimit"`
	SystemQuotas  map[string]interface{} `mapstructure:"systemQuotas" yaml:"systemQuotas"`
	PerTraceLimit int                    `mapstructure:"perTraceLimit" yaml:"perTraceLimit"`
	Window        time.Duration          `mapstructure:"window" yaml:"window"`
	Handle        string                 `mapstructure:"handle" yaml:"handle"`
}

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Log       logging.Config  `mapstructure:"log" yaml:"log"`
}

// NewDefaultConfig creates a Config with default values. Store credentials
// have no defaults and must be provided.
func NewDefaultConfig() *Config {
	limiterDefaults := limiter.NewDefaultConfig()
	quotas := make(map[string]interface{}, len(limiterDefaults.SystemQuotas))
	for system, quota := range limiterDefaults.SystemQuotas {
		quotas[system] = quota
	}
	return &Config{
		Server: ServerConfig{
			Address:            DefaultServerAddress,
			ReadTimeout:        DefaultReadTimeout,
			WriteTimeout:       DefaultWriteTimeout,
			ShutdownTimeout:    DefaultShutdownTimeout,
			MaxRequestBodySize: DefaultMaxRequestBodySize,
		},
		Store: StoreConfig{
			RequestTimeout: DefaultStoreTimeout,
		},
		RateLimit: RateLimitConfig{
			GlobalLimit:   limiterDefaults.GlobalLimit,
			SystemQuotas:  quotas,
			PerTraceLimit: limiterDefaults.PerTraceLimit,
			Window:        limiterDefaults.Window,
			Handle:        DefaultRateLimitHandle,
		},
		Log: logging.NewDefaultConfig(),
	}
}

// Load reads the configuration from the given YAML file (optional, may be
// empty) and the environment, validates it and returns it. Invalid
// configuration is a fatal, construction-time error.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := NewDefaultConfig()
	v.SetDefault("server.address", defaults.Server.Address)
	v.SetDefault("server.readTimeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.writeTimeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.shutdownTimeout", defaults.Server.ShutdownTimeout)
	v.SetDefault("server.maxRequestBodySize", uint64(defaults.Server.MaxRequestBodySize))
	v.SetDefault("store.requestTimeout", defaults.Store.RequestTimeout)
	v.SetDefault("ratelimit.globalLimit", defaults.RateLimit.GlobalLimit)
	v.SetDefault("ratelimit.systemQuotas", defaults.RateLimit.SystemQuotas)
	v.SetDefault("ratelimit.perTraceLimit", defaults.RateLimit.PerTraceLimit)
	v.SetDefault("ratelimit.window", defaults.RateLimit.Window)
	v.SetDefault("ratelimit.handle", defaults.RateLimit.Handle)
	v.SetDefault("log.level", string(defaults.Log.Level))
	v.SetDefault("log.format", string(defaults.Log.Format))
	v.SetDefault("log.output", string(defaults.Log.Output))
}

// Validate checks the configuration for construction-time errors.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Store.BaseURL == "" {
		return fmt.Errorf("store.baseUrl is required")
	}
	if _, err := url.ParseRequestURI(c.Store.BaseURL); err != nil {
		return fmt.Errorf("store.baseUrl is not a valid URL: %w", err)
	}
	if c.Store.AuthToken == "" {
		return fmt.Errorf("store.authToken is required")
	}
	if c.RateLimit.GlobalLimit <= 0 {
		return fmt.Errorf("ratelimit.globalLimit must be positive")
	}
	if c.RateLimit.PerTraceLimit <= 0 {
		return fmt.Errorf("ratelimit.perTraceLimit must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.RateLimit.Handle == "" {
		return fmt.Errorf("ratelimit.handle is required")
	}
	if _, err := c.LimiterConfig(); err != nil {
		return err
	}
	return nil
}

// LimiterConfig converts the rate limit section into the limiter's static
// configuration, casting quota values to ints.
func (c *Config) LimiterConfig() (limiter.Config, error) {
	quotas := make(map[string]int, len(c.RateLimit.SystemQuotas))
	for system, raw := range c.RateLimit.SystemQuotas {
		quota, err := cast.ToIntE(raw)
		if err != nil {
			return limiter.Config{}, fmt.Errorf("ratelimit.systemQuotas[%s]: %w", system, err)
		}
		if quota <= 0 {
			return limiter.Config{}, fmt.Errorf("ratelimit.systemQuotas[%s] must be positive", system)
		}
		quotas[system] = quota
	}
	return limiter.Config{
		GlobalLimit:   c.RateLimit.GlobalLimit,
		SystemQuotas:  quotas,
		PerTraceLimit: c.RateLimit.PerTraceLimit,
		Window:        c.RateLimit.Window,
	}, nil
}
