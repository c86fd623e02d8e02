// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Log       LogConfig       `mapstructure:"log"`
}

// TerminalConfig holds how client terminals are reached.
type TerminalConfig struct {
	Mode       string        `mapstructure:"mode"`   // "mt5", "paper"
	Scheme     string        `mapstructure:"scheme"` // http, https
	Port       int           `mapstructure:"port"`
	Timeout    time.Duration `mapstructure:"timeout"`
	StatusPath string        `mapstructure:"status_path"`
}

// StoreConfig holds ledger storage configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Metrics bool   `mapstructure:"metrics"`
}

// ReconcileConfig holds fill polling windows.
type ReconcileConfig struct {
	LookbackBefore time.Duration `mapstructure:"lookback_before"`
	ClockSkew      time.Duration `mapstructure:"clock_skew"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
}

// SweepConfig holds the background closure sweep configuration.
type SweepConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	SinceDays int           `mapstructure:"since_days"`
}

// CacheConfig holds the symbol rules cache configuration.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // memory, redis, none
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// BreakerConfig holds per-terminal circuit breaker configuration.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/mt5-executor"
	}
	return filepath.Join(home, ".config", "mt5-executor")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// First run: write a template and continue with defaults.
		if err := createTemplateConfig(configDir, name); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("terminal.mode", "mt5")
	v.SetDefault("terminal.scheme", "http")
	v.SetDefault("terminal.port", 0)
	v.SetDefault("terminal.timeout", 5*time.Second)
	v.SetDefault("terminal.status_path", "/status")

	v.SetDefault("store.path", filepath.Join(configDir, "ledger.db"))

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics", true)

	v.SetDefault("reconcile.lookback_before", time.Hour)
	v.SetDefault("reconcile.clock_skew", 5*time.Minute)
	v.SetDefault("reconcile.cancel_grace", 0)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.since_days", 30)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("breaker.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "executor.log"))
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MT5_TERMINAL_SCHEME"); v != "" {
		cfg.Terminal.Scheme = v
	}
	if v := os.Getenv("MT5_TERMINAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Terminal.Port = port
		}
	}
	if v := os.Getenv("MT5_TERMINAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Terminal.Timeout = d
		}
	}
	if v := os.Getenv("MT5_TERMINAL_MODE"); v != "" {
		cfg.Terminal.Mode = v
	}
	if v := os.Getenv("MT5_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MT5_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Terminal.Mode != "mt5" && c.Terminal.Mode != "paper" {
		return fmt.Errorf("invalid terminal mode: %s (must be 'mt5' or 'paper')", c.Terminal.Mode)
	}
	if c.Terminal.Scheme != "http" && c.Terminal.Scheme != "https" {
		return fmt.Errorf("invalid terminal scheme: %s", c.Terminal.Scheme)
	}
	if c.Terminal.Port < 0 || c.Terminal.Port > 65535 {
		return fmt.Errorf("terminal port out of range: %d", c.Terminal.Port)
	}
	if c.Terminal.Timeout <= 0 {
		return fmt.Errorf("terminal timeout must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must be set")
	}
	if c.Reconcile.LookbackBefore < 0 || c.Reconcile.ClockSkew < 0 || c.Reconcile.CancelGrace < 0 {
		return fmt.Errorf("reconcile windows must be non-negative")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive when the sweep is enabled")
	}
	if c.Sweep.SinceDays <= 0 {
		return fmt.Errorf("sweep since_days must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive")
	}
	return nil
}

// IsPaperMode returns true if terminals are simulated in memory.
func (c *Config) IsPaperMode() bool {
	return c.Terminal.Mode == "paper"
}
