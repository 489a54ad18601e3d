// Package config handles TOML configuration parsing, environment
// overrides, and the live options store consumed by the proxy core.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Config is the TOML configuration structure. Environment variables
// override file values.
type Config struct {
	Server             *bool    `toml:"server" env:"MITMGO_SERVER"`
	ListenHost         string   `toml:"listen-host" env:"MITMGO_LISTEN_HOST"`
	ListenPort         int      `toml:"listen-port" env:"MITMGO_LISTEN_PORT"`
	Upstream           string   `toml:"upstream" env:"MITMGO_UPSTREAM"`
	ConnectionStrategy string   `toml:"connection-strategy" env:"MITMGO_CONNECTION_STRATEGY"`
	IdleTimeout        Duration `toml:"idle-timeout" env:"MITMGO_IDLE_TIMEOUT"`

	LogLevel    string `toml:"log-level" env:"MITMGO_LOG_LEVEL"` // trace, debug, info, warn, error
	MetricsAddr string `toml:"metrics-addr" env:"MITMGO_METRICS_ADDR"`
}

// Duration is a TOML- and env-parseable duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads a TOML config file and applies environment overrides. An
// empty path skips the file and loads from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// ToValues converts the file configuration into an options snapshot,
// filling in defaults.
func (c *Config) ToValues() (Values, error) {
	v := Values{
		Server:             true,
		ListenHost:         c.ListenHost,
		ListenPort:         c.ListenPort,
		Upstream:           c.Upstream,
		ConnectionStrategy: c.ConnectionStrategy,
		IdleTimeout:        c.IdleTimeout.Duration(),
	}
	if c.Server != nil {
		v.Server = *c.Server
	}
	if v.ListenPort == 0 {
		v.ListenPort = 8080
	}
	if v.ConnectionStrategy == "" {
		v.ConnectionStrategy = StrategyLazy
	}
	if v.IdleTimeout == 0 {
		v.IdleTimeout = 5 * time.Minute
	}
	if err := v.Validate(); err != nil {
		return Values{}, err
	}
	return v, nil
}
