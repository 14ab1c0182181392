// Package config provides YAML-based configuration loading for akiralink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root device configuration.
type Config struct {
	// DeviceID identifies this device to its sources
	DeviceID string `mapstructure:"device_id"`

	// ServerURL is the remote server endpoint (ws://, wss:// or quic://)
	ServerURL string `mapstructure:"server_url"`

	// AuthToken is presented in AUTH_REQUEST after connecting
	AuthToken string `mapstructure:"auth_token"`

	// AutoConnect dials the remote server at startup
	AutoConnect bool `mapstructure:"auto_connect"`

	// AutoReconnect redials after a dropped connection
	AutoReconnect bool `mapstructure:"auto_reconnect"`

	// ReconnectDelayMS is the pause before a redial
	ReconnectDelayMS int `mapstructure:"reconnect_delay_ms"`

	// HeartbeatIntervalMS drives the heartbeat ticker; 0 disables it
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`

	// EnableBluetooth exposes the mobile source
	EnableBluetooth bool `mapstructure:"enable_bluetooth"`

	// EnableWebServer exposes the local web source
	EnableWebServer bool `mapstructure:"enable_web_server"`

	// MaxAppDownloads bounds concurrent app transfers
	MaxAppDownloads int `mapstructure:"max_app_downloads"`

	// MaxAppSizeKB caps a single app binary
	MaxAppSizeKB int `mapstructure:"max_app_size_kb"`

	// ChunkSize is the preferred transfer chunk size in bytes
	ChunkSize int `mapstructure:"chunk_size"`

	// AutoStartApps starts an app right after install
	AutoStartApps bool `mapstructure:"auto_start_apps"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		DeviceID:            "akira-dev",
		ServerURL:           "ws://localhost:8765/device",
		AutoConnect:         true,
		AutoReconnect:       true,
		ReconnectDelayMS:    5000,
		HeartbeatIntervalMS: 30000,
		EnableBluetooth:     true,
		EnableWebServer:     true,
		MaxAppDownloads:     2,
		MaxAppSizeKB:        512,
		ChunkSize:           512,
		AutoStartApps:       false,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/akiralink.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix AKIRALINK and `.`/`-` are replaced
// with `_`. Example: AKIRALINK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AKIRALINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("device_id", cfg.DeviceID)
	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("auth_token", cfg.AuthToken)
	v.SetDefault("auto_connect", cfg.AutoConnect)
	v.SetDefault("auto_reconnect", cfg.AutoReconnect)
	v.SetDefault("reconnect_delay_ms", cfg.ReconnectDelayMS)
	v.SetDefault("heartbeat_interval_ms", cfg.HeartbeatIntervalMS)
	v.SetDefault("enable_bluetooth", cfg.EnableBluetooth)
	v.SetDefault("enable_web_server", cfg.EnableWebServer)
	v.SetDefault("max_app_downloads", cfg.MaxAppDownloads)
	v.SetDefault("max_app_size_kb", cfg.MaxAppSizeKB)
	v.SetDefault("chunk_size", cfg.ChunkSize)
	v.SetDefault("auto_start_apps", cfg.AutoStartApps)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("AKIRALINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `akiralink`
		v.SetConfigName("akiralink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".akiralink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		c.DeviceID = "akira-dev"
	}
	if c.MaxAppDownloads <= 0 {
		c.MaxAppDownloads = 2
	}
	if c.MaxAppSizeKB <= 0 {
		return fmt.Errorf("invalid max_app_size_kb: %d", c.MaxAppSizeKB)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 4096 {
		return fmt.Errorf("invalid chunk_size: %d", c.ChunkSize)
	}
	if c.ReconnectDelayMS < 0 || c.HeartbeatIntervalMS < 0 {
		return fmt.Errorf("negative interval in config")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
