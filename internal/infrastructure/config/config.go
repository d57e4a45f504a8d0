// Package config loads kernel daemon configuration from environment
// variables, with an optional TOML overlay for file-based deployments.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Kernel    KernelConfig    `toml:"kernel"`
	Bootfs    BootfsConfig    `toml:"bootfs"`
	Logging   LogConfig       `toml:"logging"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Breaker   BreakerConfig   `toml:"breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" toml:"host"`
}

// KernelConfig sizes the kernel core.
type KernelConfig struct {
	Cores            int    `envconfig:"KERNEL_CORES" default:"2" toml:"cores"`
	QuantumTicks     uint32 `envconfig:"KERNEL_QUANTUM" default:"10" toml:"quantum_ticks"`
	RegistryCapacity int    `envconfig:"KERNEL_REGISTRY_CAP" default:"1024" toml:"registry_capacity"`
	TableCapacity    int    `envconfig:"KERNEL_TABLE_CAP" default:"64" toml:"table_capacity"`
	BootUntypedBytes uint64 `envconfig:"KERNEL_BOOT_UNTYPED" default:"16777216" toml:"boot_untyped_bytes"`
	AutoBoot         bool   `envconfig:"KERNEL_AUTOBOOT" default:"true" toml:"auto_boot"`
}

// BootfsConfig locates the boot image store.
type BootfsConfig struct {
	Dir string `envconfig:"BOOTFS_DIR" default:"./bootfs" toml:"dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`

	// TraceEvents mirrors the kernel event stream into the log at
	// debug level.
	TraceEvents bool `envconfig:"LOG_TRACE_EVENTS" default:"false" toml:"trace_events"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" toml:"enabled"`
}

// BreakerConfig holds the delegated-syscall circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int  `envconfig:"BREAKER_FAILURES" default:"5" toml:"failure_threshold"`
	CooldownSeconds  int  `envconfig:"BREAKER_COOLDOWN" default:"30" toml:"cooldown_seconds"`
	Enabled          bool `envconfig:"BREAKER_ENABLED" default:"true" toml:"enabled"`
}

// Load reads configuration from environment variables. When path is
// non-empty the TOML file is applied on top: set file values win over
// the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var overlay Config
		if err := toml.Unmarshal(raw, &overlay); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		merge(&cfg, &overlay)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults.
func LoadOrDefault() *Config {
	cfg, err := Load("")
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := envconfig.Process("MERIDIAN_UNSET_", &cfg); err != nil {
		// The struct tags are static; this cannot fail at runtime.
		panic(err)
	}
	return &cfg
}

func merge(dst, overlay *Config) {
	if overlay.Server.Port != "" {
		dst.Server.Port = overlay.Server.Port
	}
	if overlay.Server.Host != "" {
		dst.Server.Host = overlay.Server.Host
	}
	if overlay.Kernel.Cores != 0 {
		dst.Kernel.Cores = overlay.Kernel.Cores
	}
	if overlay.Kernel.QuantumTicks != 0 {
		dst.Kernel.QuantumTicks = overlay.Kernel.QuantumTicks
	}
	if overlay.Kernel.RegistryCapacity != 0 {
		dst.Kernel.RegistryCapacity = overlay.Kernel.RegistryCapacity
	}
	if overlay.Kernel.TableCapacity != 0 {
		dst.Kernel.TableCapacity = overlay.Kernel.TableCapacity
	}
	if overlay.Kernel.BootUntypedBytes != 0 {
		dst.Kernel.BootUntypedBytes = overlay.Kernel.BootUntypedBytes
	}
	if overlay.Bootfs.Dir != "" {
		dst.Bootfs.Dir = overlay.Bootfs.Dir
	}
	if overlay.Logging.Level != "" {
		dst.Logging.Level = overlay.Logging.Level
	}
	if overlay.RateLimit.RequestsPerSecond != 0 {
		dst.RateLimit.RequestsPerSecond = overlay.RateLimit.RequestsPerSecond
	}
	if overlay.RateLimit.Burst != 0 {
		dst.RateLimit.Burst = overlay.RateLimit.Burst
	}
	if overlay.Breaker.FailureThreshold != 0 {
		dst.Breaker.FailureThreshold = overlay.Breaker.FailureThreshold
	}
	if overlay.Breaker.CooldownSeconds != 0 {
		dst.Breaker.CooldownSeconds = overlay.Breaker.CooldownSeconds
	}
}
