package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Data     DataConfig     `mapstructure:"data"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type BackendConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	TokenEndpoint string        `mapstructure:"token_endpoint"`
	TokenPrefix   string        `mapstructure:"token_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type TerminalConfig struct {
	Driver            string        `mapstructure:"driver"` // "tap_to_pay" | "simulated"
	LocationID        string        `mapstructure:"location_id"`
	Label             string        `mapstructure:"label"`
	TabletID          string        `mapstructure:"tablet_id"`
	AppVersion        string        `mapstructure:"app_version"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TapTimeout        time.Duration `mapstructure:"tap_timeout"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"` // empty means auto-detect
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config.yaml, overlays environment variables, and returns Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.addr", ":33481")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("backend.base_url", "https://api.stripe.com/v1")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.token_endpoint", "")
	v.SetDefault("backend.token_prefix", "pst_")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("terminal.driver", "tap_to_pay")
	v.SetDefault("terminal.location_id", "")
	v.SetDefault("terminal.label", "Donation Kiosk")
	v.SetDefault("terminal.tablet_id", "")
	v.SetDefault("terminal.app_version", "")
	v.SetDefault("data.dir", "")
	v.SetDefault("terminal.heartbeat_interval", 30*time.Second)
	v.SetDefault("terminal.tap_timeout", 60*time.Second)
	v.SetDefault("log.level", "info")

	// Environment variable override: BACKEND_API_KEY -> backend.api_key
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults still apply.
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend.api_key is required")
	}
	if c.Terminal.Driver != "tap_to_pay" && c.Terminal.Driver != "simulated" {
		return fmt.Errorf("terminal.driver must be tap_to_pay or simulated, got %q", c.Terminal.Driver)
	}
	if c.Terminal.HeartbeatInterval < time.Second {
		return fmt.Errorf("terminal.heartbeat_interval must be at least 1s")
	}
	return nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}
