// Package config provides configuration management for the bridge binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ajaxzhan/hostfs-bridge/internal/vfs"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// EnvPrefix is the prefix of the environment overrides, e.g. HOSTFS_LOG_LEVEL.
const EnvPrefix = "HOSTFS"

// Config represents the complete bridge configuration.
type Config struct {
	Volumes []VolumeConfig `yaml:"volumes"`
	WorkDir string         `yaml:"work_dir"`
	Overlay OverlayConfig  `yaml:"overlay"`
	Mount   MountConfig    `yaml:"mount"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Logging LoggingConfig  `yaml:"logging"`
}

// VolumeConfig describes one host volume. A mount point of "@" merges the
// volume's top-level entries into the guest root.
type VolumeConfig struct {
	Source     string             `yaml:"source"`
	MountPoint string             `yaml:"mount_point"`
	Mode       string             `yaml:"mode"`
	Rules      []types.AccessRule `yaml:"rules"`
}

// OverlayConfig holds overlay mount configuration.
type OverlayConfig struct {
	// ReservedNames extends the root entries an overlay never shadows.
	ReservedNames []string `yaml:"reserved_names"`
}

// MountConfig holds FUSE mount configuration.
type MountConfig struct {
	Path       string `yaml:"path"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
	FsName     string `yaml:"fs_name"`
}

// MetricsConfig holds metrics endpoint configuration. An empty address
// disables the endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides are the settings that can be overridden from the environment.
type envOverrides struct {
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`
	WorkDir     string `envconfig:"WORK_DIR"`
	MountPath   string `envconfig:"MOUNT_PATH"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mount: MountConfig{
			Path:   "/tmp/hostfs/mnt",
			FsName: "hostfs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ApplyEnv overrides settings from HOSTFS_* environment variables.
// Unset variables leave the current value untouched.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Logging.Format = env.LogFormat
	}
	if env.WorkDir != "" {
		c.WorkDir = env.WorkDir
	}
	if env.MountPath != "" {
		c.Mount.Path = env.MountPath
	}
	if env.MetricsAddr != "" {
		c.Metrics.Addr = env.MetricsAddr
	}
	return nil
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() error {
	var errs []error

	if c.Mount.Path == "" {
		errs = append(errs, errors.New("mount.path is required"))
	}
	if c.WorkDir != "" && !path.IsAbs(c.WorkDir) {
		errs = append(errs, fmt.Errorf("work_dir %q must be absolute", c.WorkDir))
	}

	for i, v := range c.Volumes {
		if err := v.validate(); err != nil {
			errs = append(errs, fmt.Errorf("volumes[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (v *VolumeConfig) validate() error {
	if v.Source == "" {
		return errors.New("source is required")
	}
	if v.MountPoint != vfs.OverlayMountPoint && !path.IsAbs(v.MountPoint) {
		return fmt.Errorf("mount_point %q must be absolute or %q", v.MountPoint, vfs.OverlayMountPoint)
	}
	if _, err := v.AccessMode(); err != nil {
		return err
	}

	for j, rule := range v.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("rules[%d]: pattern is required", j)
		}
		switch rule.Type {
		case types.PatternGlob, types.PatternDirectory, types.PatternFile:
		default:
			return fmt.Errorf("rules[%d]: invalid pattern type %q", j, rule.Type)
		}
		switch rule.Permission {
		case types.PermNone, types.PermReadOnly, types.PermReadWrite:
		default:
			return fmt.Errorf("rules[%d]: invalid permission %q", j, rule.Permission)
		}
	}
	return nil
}

// AccessMode returns the volume's parsed mode. An empty mode is read-only.
func (v *VolumeConfig) AccessMode() (types.AccessMode, error) {
	return types.ParseAccessMode(v.Mode)
}
