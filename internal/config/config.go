// Package config loads the daemon configuration from a TOML file with
// RENDERSYNC_-prefixed environment overrides. Values are handed to the core
// packages as explicit parameters; nothing below this package reads viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendersync/rendersyncd/internal/appmgr"
	"github.com/rendersync/rendersyncd/internal/logger"
)

// DefaultPreferredPorts is the daemon's port preference order.
var DefaultPreferredPorts = []uint16{8080, 8000, 8081, 8082, 3000, 5000, 9000, 8888, 8001, 8083, 7000}

const (
	DefaultPort            = 8080
	DefaultFallbackStart   = 8000
	DefaultFallbackEnd     = 8999
	DefaultGraceSeconds    = 3
	DefaultLoadTimeoutSecs = 20
)

// AppConfig is the per-application section of the file.
type AppConfig struct {
	Port       uint16   `toml:"port" mapstructure:"port"`
	NameHint   string   `toml:"name_hint" mapstructure:"name_hint"`
	Executable string   `toml:"executable" mapstructure:"executable"`
	Args       []string `toml:"args" mapstructure:"args"`
	ExtraPaths []string `toml:"extra_paths" mapstructure:"extra_paths"`
	ExtraEnv   []string `toml:"extra_env" mapstructure:"extra_env"`
}

// LogConfig configures the worker log directory and rotation.
type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Config is the top-level TOML structure.
type Config struct {
	Port             uint16               `toml:"port" mapstructure:"port"`
	PreferredPorts   []uint16             `toml:"preferred_ports" mapstructure:"preferred_ports"`
	FallbackStart    uint16               `toml:"fallback_start" mapstructure:"fallback_start"`
	FallbackEnd      uint16               `toml:"fallback_end" mapstructure:"fallback_end"`
	GraceSeconds     int                  `toml:"grace_seconds" mapstructure:"grace_seconds"`
	LoadTimeoutSecs  int                  `toml:"load_timeout_seconds" mapstructure:"load_timeout_seconds"`
	ExternalAccess   bool                 `toml:"external_access" mapstructure:"external_access"`
	EvictOnPreferred bool                 `toml:"evict_on_preferred" mapstructure:"evict_on_preferred"`
	HistoryDSN       string               `toml:"history_dsn" mapstructure:"history_dsn"`
	LogLevel         string               `toml:"log_level" mapstructure:"log_level"`
	Log              LogConfig            `toml:"log" mapstructure:"log"`
	Apps             map[string]AppConfig `toml:"apps" mapstructure:"apps"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		PreferredPorts:   append([]uint16(nil), DefaultPreferredPorts...),
		FallbackStart:    DefaultFallbackStart,
		FallbackEnd:      DefaultFallbackEnd,
		GraceSeconds:     DefaultGraceSeconds,
		LoadTimeoutSecs:  DefaultLoadTimeoutSecs,
		EvictOnPreferred: true,
		LogLevel:         "info",
	}
}

// Load reads path (optional) and applies environment overrides. A missing
// path loads pure defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("RENDERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("port", def.Port)
	v.SetDefault("preferred_ports", def.PreferredPorts)
	v.SetDefault("fallback_start", def.FallbackStart)
	v.SetDefault("fallback_end", def.FallbackEnd)
	v.SetDefault("grace_seconds", def.GraceSeconds)
	v.SetDefault("load_timeout_seconds", def.LoadTimeoutSecs)
	v.SetDefault("external_access", false)
	v.SetDefault("evict_on_preferred", true)
	v.SetDefault("log_level", def.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Port == 0 {
		return fmt.Errorf("port must be non-zero")
	}
	if c.FallbackStart > c.FallbackEnd {
		return fmt.Errorf("fallback range %d-%d is inverted", c.FallbackStart, c.FallbackEnd)
	}
	if c.GraceSeconds < 0 || c.LoadTimeoutSecs <= 0 {
		return fmt.Errorf("grace_seconds and load_timeout_seconds must be positive")
	}
	for name := range c.Apps {
		if _, err := appmgr.ParseKind(name); err != nil {
			return fmt.Errorf("config section apps.%s: %w", name, err)
		}
	}
	return nil
}

// Grace returns the termination grace period.
func (c *Config) Grace() time.Duration { return time.Duration(c.GraceSeconds) * time.Second }

// LoadTimeout returns the startup load timeout.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSecs) * time.Second
}

// AppConfigs merges the built-in per-kind defaults with the file's [apps.*]
// sections and the global log directory.
func (c *Config) AppConfigs() map[appmgr.Kind]appmgr.Config {
	out := appmgr.DefaultConfigs()
	for name, ac := range c.Apps {
		kind := appmgr.Kind(name)
		merged, ok := out[kind]
		if !ok {
			continue
		}
		if ac.Port != 0 {
			merged.Port = ac.Port
		}
		if ac.NameHint != "" {
			merged.NameHint = ac.NameHint
		}
		if ac.Executable != "" {
			merged.Executable = ac.Executable
		}
		if len(ac.Args) > 0 {
			merged.Args = ac.Args
		}
		merged.ExtraPaths = append(merged.ExtraPaths, ac.ExtraPaths...)
		merged.ExtraEnv = append(merged.ExtraEnv, ac.ExtraEnv...)
		out[kind] = merged
	}
	for kind, ac := range out {
		ac.Log = logger.Config{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		}
		out[kind] = ac
	}
	return out
}
