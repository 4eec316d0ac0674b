// Package config loads tasker settings from defaults, an optional YAML file,
// TASKER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/pkg/tasker"
)

// EnvPrefix is the prefix for environment overrides, e.g. TASKER_PARALLEL.
const EnvPrefix = "TASKER"

// Config holds settings shared by every tasker command.
type Config struct {
	Parallel         int           `mapstructure:"parallel"`
	RestartDelay     time.Duration `mapstructure:"restart_delay"`
	PlanningInterval time.Duration `mapstructure:"planning_interval"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
	Addr             string        `mapstructure:"addr"`    // status API listen address
	Journal          string        `mapstructure:"journal"` // SQLite journal path, empty disables it
}

// Default returns sensible defaults.
func Default() Config {
	rc := tasker.DefaultConfig()
	return Config{
		Parallel:         rc.Parallel,
		RestartDelay:     rc.RestartDelay,
		PlanningInterval: rc.PlanningInterval,
		LogLevel:         "info",
		LogFormat:        logging.FormatText,
		Addr:             ":8080",
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("parallel", d.Parallel)
	v.SetDefault("restart_delay", d.RestartDelay)
	v.SetDefault("planning_interval", d.PlanningInterval)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("addr", d.Addr)
	v.SetDefault("journal", d.Journal)
}

// Dir returns the user's tasker config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tasker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasker"
	}
	return filepath.Join(home, ".config", "tasker")
}

// NewViper returns a viper instance with defaults and environment binding.
// If cfgFile is set it must exist; otherwise config.yaml is looked up in the
// working directory and Dir, and a missing file is not an error.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.Parallel < 0 {
		result = multierror.Append(result, fmt.Errorf("parallel must not be negative, got %d", c.Parallel))
	}
	if c.RestartDelay < 0 {
		result = multierror.Append(result, fmt.Errorf("restart_delay must not be negative, got %s", c.RestartDelay))
	}
	if c.PlanningInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("planning_interval must not be negative, got %s", c.PlanningInterval))
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Runner returns the runner configuration. Zero values fall back to the
// runner defaults.
func (c Config) Runner() tasker.Config {
	return tasker.Config{
		Parallel:         c.Parallel,
		RestartDelay:     c.RestartDelay,
		PlanningInterval: c.PlanningInterval,
	}
}
