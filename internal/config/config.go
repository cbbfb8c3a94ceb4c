// Package config loads the broker's settings from defaults, an optional
// config file, CHANMAN_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CHANMAN"

const (
	keyConfigFile      = "config"
	keyAddr            = "addr"
	keyLogLevel        = "log_level"
	keyPingPeriod      = "ping_period"
	keyWriteWait       = "write_wait"
	keyShutdownTimeout = "shutdown_timeout"
	keyParallelFanout  = "parallel_fanout"
)

type Config struct {
	Addr            string        `mapstructure:"addr"`
	LogLevel        string        `mapstructure:"log_level"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ParallelFanout  int           `mapstructure:"parallel_fanout"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Addr:            "0.0.0.0:8080",
		LogLevel:        "info",
		PingPeriod:      30 * time.Second,
		WriteWait:       10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		ParallelFanout:  64,
	}
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("config: addr is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.PingPeriod < 0 {
		errs = append(errs, fmt.Errorf("config: ping_period must not be negative, got %s", c.PingPeriod))
	}
	if c.WriteWait < 0 {
		errs = append(errs, fmt.Errorf("config: write_wait must not be negative, got %s", c.WriteWait))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// RegisterFlags adds the command-line flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String(keyConfigFile, "", "path to a config file (yaml, toml or json)")
	fs.String(keyAddr, def.Addr, "listen address")
	fs.String(keyLogLevel, def.LogLevel, "log level: debug, info, warn or error")
	fs.Duration(keyPingPeriod, def.PingPeriod, "websocket ping interval, 0 disables pings")
	fs.Duration(keyWriteWait, def.WriteWait, "deadline for writing one frame to a subscriber")
	fs.Duration(keyShutdownTimeout, def.ShutdownTimeout, "how long shutdown waits for connections to drain")
	fs.Int(keyParallelFanout, def.ParallelFanout, "subscriber count above which a publish fans out in parallel, 0 disables")
}

// Load resolves the configuration. fs may be nil; only flags the user set
// explicitly take precedence over the environment.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault(keyAddr, def.Addr)
	v.SetDefault(keyLogLevel, def.LogLevel)
	v.SetDefault(keyPingPeriod, def.PingPeriod)
	v.SetDefault(keyWriteWait, def.WriteWait)
	v.SetDefault(keyShutdownTimeout, def.ShutdownTimeout)
	v.SetDefault(keyParallelFanout, def.ParallelFanout)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if file := v.GetString(keyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
