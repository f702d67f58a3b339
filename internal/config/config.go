// Package config loads the supervisor's YAML configuration through viper,
// applies defaults and validates it before anything is started.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/health"
	"github.com/loykin/servisor/internal/logger"
	"github.com/loykin/servisor/internal/manager"
	"github.com/loykin/servisor/internal/process"
	"github.com/loykin/servisor/internal/registry"
	itls "github.com/loykin/servisor/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. SERVISOR_PROCESS_WORKERS.
const EnvPrefix = "SERVISOR"

type Config struct {
	Env      []string       `mapstructure:"env" yaml:"env,omitempty"`
	EnvFiles []string       `mapstructure:"env_files" yaml:"env_files,omitempty"`
	Log      logger.Options `mapstructure:"log" yaml:"log"`
	// ServiceLog is the default destination of service output.
	ServiceLog logger.Config   `mapstructure:"service_log" yaml:"service_log"`
	Process    ProcessConfig   `mapstructure:"process" yaml:"process"`
	Registry   registry.Config `mapstructure:"registry" yaml:"registry"`
	Store      StoreConfig     `mapstructure:"store" yaml:"store"`
	History    HistoryConfig   `mapstructure:"history" yaml:"history"`
	Metrics    MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`
	Services   []Service       `mapstructure:"services" yaml:"services"`
}

type ProcessConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	GracePeriod    time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	ForceTimeout   time.Duration `mapstructure:"force_timeout" yaml:"force_timeout"`
	NoHealthGrace  time.Duration `mapstructure:"no_health_grace" yaml:"no_health_grace"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type HistoryConfig struct {
	Sinks   []string      `mapstructure:"sinks" yaml:"sinks,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen" yaml:"listen"`
	BasePath string      `mapstructure:"base_path" yaml:"base_path"`
	TLS      itls.Config `mapstructure:"tls" yaml:"tls"`
}

// Service is one entry of the services list.
type Service struct {
	Name        string   `mapstructure:"name" yaml:"name"`
	Command     string   `mapstructure:"command" yaml:"command,omitempty"`
	Script      string   `mapstructure:"script" yaml:"script,omitempty"`
	Args        []string `mapstructure:"args" yaml:"args,omitempty"`
	UsePython   bool     `mapstructure:"use_python" yaml:"use_python,omitempty"`
	CondaEnv    string   `mapstructure:"conda_env" yaml:"conda_env,omitempty"`
	Interpreter string   `mapstructure:"interpreter" yaml:"interpreter,omitempty"`
	WorkDir     string   `mapstructure:"workdir" yaml:"workdir,omitempty"`
	Env         []string `mapstructure:"env" yaml:"env,omitempty"`
	PIDFile     string   `mapstructure:"pid_file" yaml:"pid_file,omitempty"`
	LogDir      string   `mapstructure:"log_dir" yaml:"log_dir,omitempty"`
	LogFile     string   `mapstructure:"log_file" yaml:"log_file"`

	RunInBackground *bool         `mapstructure:"run_in_background" yaml:"run_in_background"`
	IsBase          bool          `mapstructure:"is_base" yaml:"is_base"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	HealthCheck     *health.Check `mapstructure:"health_check" yaml:"health_check,omitempty"`

	Host     string `mapstructure:"host" yaml:"host,omitempty"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty"`
	Register *bool  `mapstructure:"register" yaml:"register"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("service_log.dir", "logs")
	v.SetDefault("service_log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("service_log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("service_log.max_age_days", logger.DefaultMaxAgeDays)

	v.SetDefault("process.check_interval", "2s")
	v.SetDefault("process.grace_period", "10s")
	v.SetDefault("process.force_timeout", "5s")
	v.SetDefault("process.no_health_grace", "2s")
	v.SetDefault("process.startup_timeout", "60s")
	v.SetDefault("process.workers", 4)

	rc := registry.DefaultConfig()
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.url", rc.URL)
	v.SetDefault("registry.prefix", rc.Prefix)
	v.SetDefault("registry.check_interval", rc.CheckInterval.String())
	v.SetDefault("registry.check_timeout", rc.CheckTimeout.String())
	v.SetDefault("registry.deregister_after", rc.DeregisterAfter.String())
	v.SetDefault("registry.request_timeout", rc.RequestTimeout.String())
	v.SetDefault("registry.bootstrap.enabled", false)
	v.SetDefault("registry.bootstrap.command", rc.Bootstrap.Command)
	v.SetDefault("registry.bootstrap.args", rc.Bootstrap.Args)
	v.SetDefault("registry.bootstrap.ready_timeout", rc.Bootstrap.ReadyTimeout.String())
	v.SetDefault("registry.bootstrap.poll_interval", rc.Bootstrap.PollInterval.String())
	v.SetDefault("registry.retry.max_attempts", rc.Retry.MaxAttempts)
	v.SetDefault("registry.retry.base_delay", rc.Retry.BaseDelay.String())
	v.SetDefault("registry.retry.backoff_factor", rc.Retry.BackoffFactor)
	v.SetDefault("registry.retry.max_delay", rc.Retry.MaxDelay.String())

	v.SetDefault("store.dsn", "file://service_state.json")
	v.SetDefault("history.timeout", "5s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_interval", "15s")
	v.SetDefault("server.listen", "127.0.0.1:9090")
	v.SetDefault("server.base_path", "/api")
}

// durationHook accepts Go duration strings ("30s") as well as bare numbers,
// which are read as seconds.
func durationHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if s == "" {
				return time.Duration(0), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return seconds(f), nil
			}
			return time.ParseDuration(s)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return seconds(float64(reflect.ValueOf(data).Int())), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return seconds(float64(reflect.ValueOf(data).Uint())), nil
		case reflect.Float32, reflect.Float64:
			return seconds(reflect.ValueOf(data).Float()), nil
		}
		return data, nil
	}
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// Load reads path, applies environment overrides and defaults, and
// validates the result. Every failure is an errs.ErrConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, errs.Config(fmt.Errorf("read %s: %w", path, err))
	}
	return decode(v, filepath.Dir(path))
}

// Parse is Load for an in-memory YAML document. Relative paths resolve
// against the working directory.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, errs.Config(fmt.Errorf("parse: %w", err))
	}
	return decode(v, "")
}

func decode(v *viper.Viper, baseDir string) (*Config, error) {
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, errs.Config(fmt.Errorf("decode: %w", err))
	}
	c.resolveEnvFiles(baseDir)
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolveEnvFiles(baseDir string) {
	if baseDir == "" {
		return
	}
	for i, p := range c.EnvFiles {
		if p != "" && !filepath.IsAbs(p) {
			c.EnvFiles[i] = filepath.Join(baseDir, p)
		}
	}
}

func (c *Config) applyDefaults() {
	for i := range c.Services {
		s := &c.Services[i]
		if s.RunInBackground == nil {
			s.RunInBackground = ptr(true)
		}
		if s.Register == nil {
			s.Register = ptr(true)
		}
		if s.LogFile == "" && s.Name != "" {
			s.LogFile = s.Name + ".log"
		}
		if s.StartupTimeout == 0 {
			s.StartupTimeout = c.Process.StartupTimeout
		}
		if s.Host == "" {
			s.Host = "127.0.0.1"
		}
		if h := s.HealthCheck; h != nil {
			if h.Method == "" {
				h.Method = "GET"
			}
			if h.ExpectedStatus == 0 {
				h.ExpectedStatus = 200
			}
			if h.Timeout == 0 {
				h.Timeout = health.DefaultTimeout
			}
		}
	}
}

func ptr[T any](v T) *T { return &v }

// Validate collects every problem into one errs.ErrConfig.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) { problems = append(problems, fmt.Errorf(format, args...)) }

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err)
	}
	if !logger.ValidFormat(c.Log.Format) {
		add("unknown log format %q", c.Log.Format)
	}
	for k, d := range map[string]time.Duration{
		"process.check_interval":    c.Process.CheckInterval,
		"process.grace_period":      c.Process.GracePeriod,
		"process.force_timeout":     c.Process.ForceTimeout,
		"process.no_health_grace":   c.Process.NoHealthGrace,
		"process.startup_timeout":   c.Process.StartupTimeout,
		"registry.check_interval":   c.Registry.CheckInterval,
		"registry.check_timeout":    c.Registry.CheckTimeout,
		"registry.deregister_after": c.Registry.DeregisterAfter,
		"registry.retry.base_delay": c.Registry.Retry.BaseDelay,
		"registry.retry.max_delay":  c.Registry.Retry.MaxDelay,
		"history.timeout":           c.History.Timeout,
	} {
		if d < 0 {
			add("%s must not be negative", k)
		}
	}
	if c.Process.Workers < 1 {
		add("process.workers must be at least 1")
	}
	if c.Registry.Retry.MaxAttempts < 1 {
		add("registry.retry.max_attempts must be at least 1")
	}
	if c.Registry.Retry.BackoffFactor < 1 {
		add("registry.retry.backoff_factor must be >= 1, got %g", c.Registry.Retry.BackoffFactor)
	}
	if c.Registry.Enabled && c.Registry.URL == "" {
		add("registry.url is required when the registry is enabled")
	}
	if c.Store.DSN == "" {
		add("store.dsn is required")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		problems = append(problems, err)
	}
	if err := manager.ValidateAll(c.Descriptors()); err != nil {
		problems = append(problems, errors.Unwrap(err))
	}
	if len(problems) == 0 {
		return nil
	}
	return errs.Config(errors.Join(problems...))
}

// Descriptors converts the services list.
func (c *Config) Descriptors() []manager.Descriptor {
	out := make([]manager.Descriptor, 0, len(c.Services))
	for _, s := range c.Services {
		logCfg := c.ServiceLog
		if s.LogDir != "" {
			logCfg.Dir = s.LogDir
		}
		logCfg.File = s.LogFile
		d := manager.Descriptor{
			Spec: process.Spec{
				Name:        s.Name,
				Command:     s.Command,
				Script:      s.Script,
				Args:        s.Args,
				UsePython:   s.UsePython,
				CondaEnv:    s.CondaEnv,
				Interpreter: s.Interpreter,
				WorkDir:     s.WorkDir,
				Env:         s.Env,
				Background:  s.RunInBackground == nil || *s.RunInBackground,
				PIDFile:     s.PIDFile,
				Log:         logCfg,
			},
			StartupTimeout: s.StartupTimeout,
			IsBase:         s.IsBase,
			Host:           s.Host,
			Port:           s.Port,
			Register:       s.Register == nil || *s.Register,
		}
		if s.HealthCheck != nil && s.HealthCheck.URL != "" {
			h := *s.HealthCheck
			d.Health = &h
		}
		out = append(out, d)
	}
	return out
}

// ManagerOptions carries the timing knobs; collaborators are wired by the
// caller.
func (c *Config) ManagerOptions() manager.Options {
	return manager.Options{
		CheckInterval:         c.Process.CheckInterval,
		GracePeriod:           c.Process.GracePeriod,
		ForceTimeout:          c.Process.ForceTimeout,
		NoHealthGrace:         c.Process.NoHealthGrace,
		DefaultStartupTimeout: c.Process.StartupTimeout,
		Workers:               c.Process.Workers,
		AutoRegister:          c.Registry.Enabled,
	}
}

// GlobalEnv merges env_files in order, then the env list on top.
func (c *Config) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, errs.Config(fmt.Errorf("env file %s: %w", p, err))
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses KEY=VALUE lines. Blank lines and lines starting with #
// are skipped; an optional "export " prefix and one pair of surrounding
// quotes are stripped.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
			val = val[1 : n-1]
		}
		out = append(out, k+"="+val)
	}
	return out, nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
