package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultExecutable  = "redis-server"
	DefaultRedisConfig = "redis.conf"
	DefaultClientAddr  = "localhost:6379"
	DefaultStopTimeout = 5 * time.Second
	DefaultEOFDelay    = 100 * time.Millisecond

	// EnvPrefix is the prefix of environment variables overriding the config
	// file, e.g. KEEPER_CLIENT_ADDR overrides client.addr.
	EnvPrefix = "KEEPER"
)

type Config struct {
	Version   int       `mapstructure:"version" yaml:"version"` // fixed 0 for now
	Artifacts Artifacts `mapstructure:"artifacts" yaml:"artifacts"`
	Redis     Redis     `mapstructure:"redis" yaml:"redis"`
	Client    Client    `mapstructure:"client" yaml:"client"`
	Queue     Queue     `mapstructure:"queue" yaml:"queue"`
	Service   Service   `mapstructure:"service" yaml:"service"`
}

// Artifacts describes where the redis-server binary, its shared libraries and
// redis.conf live (Dir) and where they are copied from when Dir is missing.
type Artifacts struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Source string `mapstructure:"source" yaml:"source"`
}

type Redis struct {
	Executable  string            `mapstructure:"executable" yaml:"executable"`
	Config      string            `mapstructure:"config" yaml:"config"`
	Env         map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	StopTimeout time.Duration     `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	EOFDelay    time.Duration     `mapstructure:"eof_delay" yaml:"eof_delay"`
}

// MarshalYAML writes durations in their human readable form, which is what
// LoadConfig expects to read back.
func (r Redis) MarshalYAML() (any, error) {
	return struct {
		Executable  string            `yaml:"executable"`
		Config      string            `yaml:"config"`
		Env         map[string]string `yaml:"env,omitempty"`
		StopTimeout string            `yaml:"stop_timeout"`
		EOFDelay    string            `yaml:"eof_delay"`
	}{
		Executable:  r.Executable,
		Config:      r.Config,
		Env:         r.Env,
		StopTimeout: r.StopTimeout.String(),
		EOFDelay:    r.EOFDelay.String(),
	}, nil
}

type Client struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Queue struct {
	// WarnThreshold logs a warning when that many lines wait for the consumer.
	// The queue itself is unbounded. 0 disables the warning.
	WarnThreshold int `mapstructure:"warn_threshold" yaml:"warn_threshold"`
}

type Service struct {
	Verbose     bool   `mapstructure:"verbose" yaml:"verbose"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"` // "json" | "text" | "" (auto)
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns a configuration keeping artifacts in the user cache
// directory.
func DefaultConfig() Config {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return Config{
		Version: 0,
		Artifacts: Artifacts{
			Dir:    filepath.Join(base, "keeper", "redis"),
			Source: "/usr/share/keeper/redis",
		},
		Redis: Redis{
			Executable:  DefaultExecutable,
			Config:      DefaultRedisConfig,
			StopTimeout: DefaultStopTimeout,
			EOFDelay:    DefaultEOFDelay,
		},
		Client: Client{
			Addr: DefaultClientAddr,
		},
	}
}

// LoadConfig reads YAML from r on top of DefaultConfig. Environment variables
// with the KEEPER_ prefix take precedence over the file.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("artifacts.dir", d.Artifacts.Dir)
	v.SetDefault("artifacts.source", d.Artifacts.Source)
	v.SetDefault("redis.executable", d.Redis.Executable)
	v.SetDefault("redis.config", d.Redis.Config)
	v.SetDefault("redis.env", map[string]string{})
	v.SetDefault("redis.stop_timeout", d.Redis.StopTimeout)
	v.SetDefault("redis.eof_delay", d.Redis.EOFDelay)
	v.SetDefault("client.addr", d.Client.Addr)
	v.SetDefault("queue.warn_threshold", d.Queue.WarnThreshold)
	v.SetDefault("service.verbose", d.Service.Verbose)
	v.SetDefault("service.log_format", d.Service.LogFormat)
	v.SetDefault("service.metrics_addr", d.Service.MetricsAddr)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("version: %d is not supported, expected 0", c.Version))
	}
	if c.Artifacts.Dir == "" {
		errs = append(errs, errors.New("artifacts.dir: must not be empty"))
	}
	if c.Redis.Executable == "" {
		errs = append(errs, errors.New("redis.executable: must not be empty"))
	}
	if strings.ContainsRune(c.Redis.Executable, os.PathSeparator) {
		errs = append(errs, errors.New("redis.executable: must be a file name inside artifacts.dir"))
	}
	if c.Redis.Config == "" {
		errs = append(errs, errors.New("redis.config: must not be empty"))
	}
	if c.Redis.StopTimeout < 0 {
		errs = append(errs, errors.New("redis.stop_timeout: must not be negative"))
	}
	if c.Redis.EOFDelay <= 0 {
		errs = append(errs, errors.New("redis.eof_delay: must be positive"))
	}
	if c.Client.Addr == "" {
		errs = append(errs, errors.New("client.addr: must not be empty"))
	}
	if c.Queue.WarnThreshold < 0 {
		errs = append(errs, errors.New("queue.warn_threshold: must not be negative"))
	}
	switch c.Service.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("service.log_format: %q is not one of json, text", c.Service.LogFormat))
	}
	return errors.Join(errs...)
}

// ExecutablePath returns the absolute path of the supervised binary.
func (c Config) ExecutablePath() string {
	return filepath.Join(c.Artifacts.Dir, c.Redis.Executable)
}

// ConfigPath returns the path of the configuration file handed to the binary.
func (c Config) ConfigPath() string {
	return filepath.Join(c.Artifacts.Dir, c.Redis.Config)
}
