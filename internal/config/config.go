// Package config loads rrsbridge configuration from YAML files and the environment
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
	"github.com/Aidin1998/rrsbridge/pkg/logger"
)

// EnvPrefix prefixes every environment variable, e.g. RRSBRIDGE_TRANSACTION_SHUTDOWN_TIMEOUT.
const EnvPrefix = "RRSBRIDGE"

// Config is the complete rrsbridge configuration.
type Config struct {
	Transaction TransactionConfig `yaml:"transaction" mapstructure:"transaction"`
	Registry    RegistryConfig    `yaml:"registry" mapstructure:"registry"`
	TM          TMConfig          `yaml:"tm" mapstructure:"tm"`
	Log         logger.Config     `yaml:"log" mapstructure:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// TransactionConfig configures the native transaction manager.
type TransactionConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RMNamePrefix    string        `yaml:"rm_name_prefix" mapstructure:"rm_name_prefix"`
	RMNameLog       string        `yaml:"rm_name_log" mapstructure:"rm_name_log"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RegistryConfig configures the simulated registry store.
type RegistryConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	InMemory bool   `yaml:"in_memory" mapstructure:"in_memory"`
}

// TMConfig configures the embedded transaction manager.
type TMConfig struct {
	DecisionLog    string        `yaml:"decision_log" mapstructure:"decision_log"`
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing" mapstructure:"tracing"`
	Metrics     bool   `yaml:"metrics" mapstructure:"metrics"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address is the listen address of /metrics. Empty disables the endpoint.
	Address string `yaml:"address" mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transaction.shutdown_timeout", 30*time.Second)
	v.SetDefault("transaction.rm_name_prefix", "RRSBRIDGE")
	v.SetDefault("transaction.rm_name_log", "./data/rmname.yaml")
	v.SetDefault("transaction.timeout", 0)
	v.SetDefault("registry.path", "./data/registry")
	v.SetDefault("registry.in_memory", false)
	v.SetDefault("tm.decision_log", "./data/decisions")
	v.SetDefault("tm.default_timeout", 2*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_file", "stdout")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.service_name", "rrsbridge")
	v.SetDefault("metrics.address", ":9102")
}

// Load reads the first existing files of paths over the defaults, then applies
// environment overrides. Missing files are skipped.
func Load(log *zap.Logger, paths ...string) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		log.Info("No configuration files found, using defaults and environment variables")
	} else {
		log.Info("Loaded configuration files", zap.Strings("files", loaded))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	switch {
	case c.Transaction.RMNamePrefix == "":
		return rrserrors.Configuration.Explain("transaction.rm_name_prefix is required")
	case c.Transaction.RMNameLog == "":
		return rrserrors.Configuration.Explain("transaction.rm_name_log is required")
	case c.Transaction.ShutdownTimeout < 0:
		return rrserrors.Configuration.Explain("transaction.shutdown_timeout must not be negative")
	case c.Transaction.Timeout < 0:
		return rrserrors.Configuration.Explain("transaction.timeout must not be negative")
	case !c.Registry.InMemory && c.Registry.Path == "":
		return rrserrors.Configuration.Explain("registry.path is required unless registry.in_memory is set")
	case c.TM.DefaultTimeout < 0:
		return rrserrors.Configuration.Explain("tm.default_timeout must not be negative")
	}
	return nil
}
