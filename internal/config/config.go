// Package config is the expanded Config of spec.md §6, loaded through
// github.com/spf13/viper the way a cobra-based CLI expects config/flag/env
// layering, adapted from the teacher's original internal/config/config.go
// JSON-file loader — the on-disk default path and struct-tag-driven
// marshaling are kept, viper simply adds environment-variable and flag
// overlay on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config mirrors spec.md §6's field list exactly, defaults included.
type Config struct {
	DirDepthLimit     int `mapstructure:"dir_depth_limit"`
	TransferFileLimit int `mapstructure:"transfer_file_limit"`

	ReqConnectionTimeout       time.Duration `mapstructure:"req_connection_timeout"`
	ConnectionMaxRetryInterval time.Duration `mapstructure:"connection_max_retry_interval"`
	TransferIdleLifetime       time.Duration `mapstructure:"transfer_idle_lifetime"`
	PingInterval               time.Duration `mapstructure:"ping_interval"`

	StoragePath     string `mapstructure:"storage_path"`
	MooseEventPath  string `mapstructure:"moose_event_path"`
	MooseProd       bool   `mapstructure:"moose_prod"`
	MooseAppVersion string `mapstructure:"moose_app_version"`

	ChecksumEventsSizeThreshold int64 `mapstructure:"checksum_events_size_threshold"`
	ChecksumEventsGranularity   int64 `mapstructure:"checksum_events_granularity"`

	ConnectionRetries int `mapstructure:"connection_retries"`

	ListenPort int `mapstructure:"listen_port"`
}

// Defaults returns the values named verbatim in spec.md §6.
func Defaults() Config {
	return Config{
		DirDepthLimit:              5,
		TransferFileLimit:          1000,
		ReqConnectionTimeout:       5 * time.Second,
		ConnectionMaxRetryInterval: 10 * time.Second,
		TransferIdleLifetime:       60 * time.Second,
		PingInterval:               5 * time.Second,
		ChecksumEventsGranularity:  256 * 1024,
		ConnectionRetries:          5,
		ListenPort:                 49111,
	}
}

// DefaultPath returns the on-disk config location, following the
// teacher's ~/.jend/config.json convention, renamed for this project.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".libdrop")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", dir, err)
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load layers file -> environment -> explicit overrides on top of
// Defaults(), the way viper is conventionally wired alongside cobra.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	def := Defaults()
	v.SetDefault("dir_depth_limit", def.DirDepthLimit)
	v.SetDefault("transfer_file_limit", def.TransferFileLimit)
	v.SetDefault("req_connection_timeout", def.ReqConnectionTimeout)
	v.SetDefault("connection_max_retry_interval", def.ConnectionMaxRetryInterval)
	v.SetDefault("transfer_idle_lifetime", def.TransferIdleLifetime)
	v.SetDefault("ping_interval", def.PingInterval)
	v.SetDefault("checksum_events_granularity", def.ChecksumEventsGranularity)
	v.SetDefault("connection_retries", def.ConnectionRetries)
	v.SetDefault("listen_port", def.ListenPort)

	path := explicitPath
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	v.SetDefault("storage_path", filepath.Join(filepath.Dir(path), "storage.db"))

	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("LIBDROP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Save persists cfg back to path in the teacher's JSON-file format.
func Save(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigType("json")
	v.Set("dir_depth_limit", cfg.DirDepthLimit)
	v.Set("transfer_file_limit", cfg.TransferFileLimit)
	v.Set("req_connection_timeout", cfg.ReqConnectionTimeout)
	v.Set("connection_max_retry_interval", cfg.ConnectionMaxRetryInterval)
	v.Set("transfer_idle_lifetime", cfg.TransferIdleLifetime)
	v.Set("ping_interval", cfg.PingInterval)
	v.Set("storage_path", cfg.StoragePath)
	v.Set("moose_event_path", cfg.MooseEventPath)
	v.Set("moose_prod", cfg.MooseProd)
	v.Set("moose_app_version", cfg.MooseAppVersion)
	v.Set("checksum_events_size_threshold", cfg.ChecksumEventsSizeThreshold)
	v.Set("checksum_events_granularity", cfg.ChecksumEventsGranularity)
	v.Set("connection_retries", cfg.ConnectionRetries)
	v.Set("listen_port", cfg.ListenPort)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
