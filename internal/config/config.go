// Package config loads dartctl configuration.
//
// Precedence, highest first: runtime overrides, DARTCTL_* environment
// variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/dartctl/pkg/monitor"
	providers3 "github.com/3leaps/dartctl/pkg/provider/s3"
	"github.com/3leaps/dartctl/pkg/task"
)

const (
	// AppName names the config file, the config directory and the env prefix.
	AppName   = "dartctl"
	EnvPrefix = "DARTCTL"
)

type Config struct {
	Monitor MonitorConfig `mapstructure:"monitor"`
	Session SessionConfig `mapstructure:"session"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	S3      S3Config      `mapstructure:"s3"`
}

type MonitorConfig struct {
	Address        string        `mapstructure:"address"`
	Database       string        `mapstructure:"database"`
	Measurement    string        `mapstructure:"measurement"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WriteRetries   int           `mapstructure:"write_retries"`
}

type SessionConfig struct {
	Name            string        `mapstructure:"name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LedgerPath      string        `mapstructure:"ledger_path"`
}

type RuntimeConfig struct {
	Workers      int    `mapstructure:"workers"`
	CaptureBytes int64  `mapstructure:"capture_bytes"`
	Location     string `mapstructure:"location"`
	Nodes        string `mapstructure:"nodes"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type JobsConfig struct {
	Root string `mapstructure:"root"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Profile        string `mapstructure:"profile"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("monitor.address", monitor.DefaultAddress)
	v.SetDefault("monitor.database", monitor.DefaultDatabase)
	v.SetDefault("monitor.measurement", monitor.DefaultMeasurement)
	v.SetDefault("monitor.username", "")
	v.SetDefault("monitor.password", "")
	v.SetDefault("monitor.probe_timeout", "5s")
	v.SetDefault("monitor.request_timeout", "10s")
	v.SetDefault("monitor.write_retries", monitor.DefaultWriteRetries)

	v.SetDefault("session.name", "")
	v.SetDefault("session.shutdown_timeout", "10s")
	v.SetDefault("session.poll_interval", "500ms")
	v.SetDefault("session.ledger_path", "")

	v.SetDefault("runtime.workers", 4)
	v.SetDefault("runtime.capture_bytes", 64*1024)
	v.SetDefault("runtime.location", task.DefaultLocation)
	v.SetDefault("runtime.nodes", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("jobs.root", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.force_path_style", false)
}

// Load reads configuration from the default search path.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile reads configuration from path, or searches ./dartctl.yaml and
// the user config directory when path is empty. A missing file is not an
// error unless path was given explicitly.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Short aliases.
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOGGING_LEVEL", EnvPrefix+"_LOG_LEVEL")
	_ = v.BindEnv("monitor.address", EnvPrefix+"_MONITOR_ADDRESS", EnvPrefix+"_MONITOR")
	_ = v.BindEnv("runtime.workers", EnvPrefix+"_RUNTIME_WORKERS", EnvPrefix+"_WORKERS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Runtime.Workers <= 0 {
		errs = append(errs, fmt.Errorf("runtime.workers must be positive, got %d", c.Runtime.Workers))
	}
	if c.Runtime.CaptureBytes <= 0 {
		errs = append(errs, fmt.Errorf("runtime.capture_bytes must be positive, got %d", c.Runtime.CaptureBytes))
	}
	if c.Monitor.ProbeTimeout <= 0 || c.Monitor.RequestTimeout <= 0 {
		errs = append(errs, errors.New("monitor timeouts must be positive"))
	}
	if c.Monitor.WriteRetries < 0 {
		errs = append(errs, fmt.Errorf("monitor.write_retries must not be negative, got %d", c.Monitor.WriteRetries))
	}
	if c.Session.ShutdownTimeout <= 0 || c.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	switch strings.ToLower(c.Logging.Profile) {
	case "structured", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// MonitorSink converts the monitor section for monitor.New.
func (c *Config) MonitorSink() monitor.Config {
	return monitor.Config{
		Address:        c.Monitor.Address,
		Database:       c.Monitor.Database,
		Measurement:    c.Monitor.Measurement,
		Username:       c.Monitor.Username,
		Password:       c.Monitor.Password,
		ProbeTimeout:   c.Monitor.ProbeTimeout,
		RequestTimeout: c.Monitor.RequestTimeout,
		WriteRetries:   c.Monitor.WriteRetries,
	}
}

// S3Provider returns the base S3 provider config; the bucket is filled in
// per source.
func (c *Config) S3Provider() providers3.Config {
	return providers3.Config{
		Region:         c.S3.Region,
		Profile:        c.S3.Profile,
		Endpoint:       c.S3.Endpoint,
		ForcePathStyle: c.S3.ForcePathStyle,
	}
}
