// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package config loads the agent configuration file. YAML and TOML are
// both accepted; values missing from the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Network and device point kinds.
const (
	PointChannel = "channel"
	PointEBPF    = "ebpf"
	PointNone    = "none"
)

// Config is the agent configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level" toml:"log_level"`
	API         APIConfig         `yaml:"api" toml:"api"`
	Audit       AuditConfig       `yaml:"audit" toml:"audit"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Enforcement EnforcementConfig `yaml:"enforcement" toml:"enforcement"`
}

// APIConfig configures the administrative API.
type APIConfig struct {
	Host         string        `yaml:"host" toml:"host"`
	Port         int           `yaml:"port" toml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" toml:"enable_cors"`
	// RateLimit is the sustained number of requests per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`
}

// AuditConfig configures the audit pipeline.
type AuditConfig struct {
	Dir             string        `yaml:"dir" toml:"dir"`
	BatchSize       int           `yaml:"batch_size" toml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval" toml:"flush_interval"`
	MaxSegmentBytes int64         `yaml:"max_segment_bytes" toml:"max_segment_bytes"`
	DrainTimeout    time.Duration `yaml:"drain_timeout" toml:"drain_timeout"`
	// Syslog mirrors tamper alerts to the local syslog daemon instead of stderr.
	Syslog    bool   `yaml:"syslog" toml:"syslog"`
	SyslogTag string `yaml:"syslog_tag" toml:"syslog_tag"`
	// Guard watches the audit directory for foreign modifications.
	Guard bool `yaml:"guard" toml:"guard"`
}

// StorageConfig configures secure storage.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend  string `yaml:"backend" toml:"backend"`
	Path     string `yaml:"path" toml:"path"`
	SaltPath string `yaml:"salt_path" toml:"salt_path"`
	// HostMaterial replaces the machine id and hostname in key derivation.
	HostMaterial string `yaml:"host_material" toml:"host_material"`
}

// EnforcementConfig selects and locates the enforcement points.
type EnforcementConfig struct {
	Network         string        `yaml:"network" toml:"network"`
	NetworkSocket   string        `yaml:"network_socket" toml:"network_socket"`
	PinnedMap       string        `yaml:"pinned_map" toml:"pinned_map"`
	Device          string        `yaml:"device" toml:"device"`
	DeviceSocket    string        `yaml:"device_socket" toml:"device_socket"`
	HealthInterval  time.Duration `yaml:"health_interval" toml:"health_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval" toml:"refresh_interval"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		API: APIConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Audit: AuditConfig{
			Dir:             "/var/log/securehost/audit",
			BatchSize:       100,
			FlushInterval:   time.Second,
			MaxSegmentBytes: 16 << 20,
			DrainTimeout:    5 * time.Second,
			Syslog:          true,
			SyslogTag:       "securehost",
			Guard:           true,
		},
		Storage: StorageConfig{
			Backend:  "file",
			Path:     "/var/lib/securehost/store",
			SaltPath: "/var/lib/securehost/salt",
		},
		Enforcement: EnforcementConfig{
			Network:         PointChannel,
			NetworkSocket:   "/run/securehost/network.sock",
			PinnedMap:       "/sys/fs/bpf/securehost/rules",
			Device:          PointChannel,
			DeviceSocket:    "/run/securehost/device.sock",
			HealthInterval:  5 * time.Second,
			RefreshInterval: time.Minute,
		},
	}
}

// Load reads path and merges it onto DefaultConfig. The format follows the
// file extension: .yaml, .yml or .toml. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.Warnf("Ignoring unknown config keys in %s: %v", path, undecoded)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port: %d out of range", c.API.Port))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, errors.New("api.rate_limit: must not be negative"))
	}
	if c.API.RateLimit > 0 && c.API.RateBurst < 1 {
		errs = append(errs, errors.New("api.rate_burst: must be at least 1 when rate limiting"))
	}

	if c.Audit.Dir == "" {
		errs = append(errs, errors.New("audit.dir: required"))
	}
	if c.Audit.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("audit.batch_size: %d must be positive", c.Audit.BatchSize))
	}
	if c.Audit.FlushInterval <= 0 {
		errs = append(errs, errors.New("audit.flush_interval: must be positive"))
	}
	if c.Audit.MaxSegmentBytes < 1024 {
		errs = append(errs, fmt.Errorf("audit.max_segment_bytes: %d is below 1024", c.Audit.MaxSegmentBytes))
	}
	if c.Audit.DrainTimeout <= 0 {
		errs = append(errs, errors.New("audit.drain_timeout: must be positive"))
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	if c.Storage.SaltPath == "" {
		errs = append(errs, errors.New("storage.salt_path: required"))
	}

	switch c.Enforcement.Network {
	case PointChannel:
		if c.Enforcement.NetworkSocket == "" {
			errs = append(errs, errors.New("enforcement.network_socket: required for channel point"))
		}
	case PointEBPF:
		if c.Enforcement.PinnedMap == "" {
			errs = append(errs, errors.New("enforcement.pinned_map: required for ebpf point"))
		}
	case PointNone:
	default:
		errs = append(errs, fmt.Errorf("enforcement.network: unknown point %q", c.Enforcement.Network))
	}
	switch c.Enforcement.Device {
	case PointChannel:
		if c.Enforcement.DeviceSocket == "" {
			errs = append(errs, errors.New("enforcement.device_socket: required for channel point"))
		}
	case PointNone:
	default:
		errs = append(errs, fmt.Errorf("enforcement.device: unknown point %q", c.Enforcement.Device))
	}
	if c.Enforcement.HealthInterval <= 0 {
		errs = append(errs, errors.New("enforcement.health_interval: must be positive"))
	}

	return errors.Join(errs...)
}

// String is a short summary for startup logs.
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{API: %s:%d, Audit.Dir: %s, Storage: %s(%s), Network: %s, Device: %s}",
		c.API.Host, c.API.Port,
		c.Audit.Dir,
		c.Storage.Backend, c.Storage.Path,
		c.Enforcement.Network, c.Enforcement.Device,
	)
}
