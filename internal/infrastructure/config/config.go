package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Tools     ToolsConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds the protocol server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// SandboxConfig holds the sandbox origin server configuration. The sandbox
// runs on its own port so hosted proxy documents live on a separate origin
// from the host application.
type SandboxConfig struct {
	Port             string   `envconfig:"SANDBOX_PORT" default:"8001" yaml:"port"`
	Origin           string   `envconfig:"SANDBOX_ORIGIN" default:"http://localhost:8001" yaml:"origin"`
	AllowedReferrers []string `envconfig:"SANDBOX_ALLOWED_REFERRERS" default:"http://localhost" yaml:"allowed_referrers"`
}

// ToolsConfig holds tool engine configuration.
type ToolsConfig struct {
	CountdownTick time.Duration `envconfig:"COUNTDOWN_TICK" default:"1s" yaml:"countdown_tick"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from a YAML file, then lets environment
// variables override individual values. Only variables actually present in
// the environment override; unset ones leave the file values alone.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := overlayEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return cfg, nil
}

// overlayEnv copies into cfg only the fields whose environment variable is
// set. envconfig.Process fills every unset variable with its default tag,
// so running it directly over a file-loaded config would clobber the file.
func overlayEnv(cfg *Config) error {
	var env Config
	if err := envconfig.Process("", &env); err != nil {
		return err
	}
	overrides := map[string]func(){
		"PORT":                      func() { cfg.Server.Port = env.Server.Port },
		"HOST":                      func() { cfg.Server.Host = env.Server.Host },
		"SANDBOX_PORT":              func() { cfg.Sandbox.Port = env.Sandbox.Port },
		"SANDBOX_ORIGIN":            func() { cfg.Sandbox.Origin = env.Sandbox.Origin },
		"SANDBOX_ALLOWED_REFERRERS": func() { cfg.Sandbox.AllowedReferrers = env.Sandbox.AllowedReferrers },
		"COUNTDOWN_TICK":            func() { cfg.Tools.CountdownTick = env.Tools.CountdownTick },
		"LOG_LEVEL":                 func() { cfg.Logging.Level = env.Logging.Level },
		"LOG_DEV":                   func() { cfg.Logging.Development = env.Logging.Development },
		"RATE_LIMIT_RPS":            func() { cfg.RateLimit.RequestsPerSecond = env.RateLimit.RequestsPerSecond },
		"RATE_LIMIT_BURST":          func() { cfg.RateLimit.Burst = env.RateLimit.Burst },
		"RATE_LIMIT_ENABLED":        func() { cfg.RateLimit.Enabled = env.RateLimit.Enabled },
	}
	for key, apply := range overrides {
		if _, ok := os.LookupEnv(key); ok {
			apply()
		}
	}
	return nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Sandbox: SandboxConfig{
			Port:             "8001",
			Origin:           "http://localhost:8001",
			AllowedReferrers: []string{"http://localhost"},
		},
		Tools: ToolsConfig{
			CountdownTick: time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
