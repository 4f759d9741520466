package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProxyConfig maps to the proxywrap.Options of the front listener.
type ProxyConfig struct {
	Strict                 bool          `mapstructure:"strict"`
	IgnoreStrictExceptions bool          `mapstructure:"ignoreStrictExceptions"`
	OverrideRemote         bool          `mapstructure:"overrideRemote"`
	Timeout                time.Duration `mapstructure:"timeout"`
	AllowedProxies         []string      `mapstructure:"allowedProxies"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// FileConfig is the lumberjack rotation config.
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig selects log level, encoding and optional file output.
type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:"file"`
}

// Config is the daemon's top level configuration.
type Config struct {
	Listen  string        `mapstructure:"listen"`
	Target  string        `mapstructure:"target"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// loadConfig reads YAML/TOML/JSON configuration plus PROXYWRAPD_* environment
// overrides.
func loadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":9000")
	v.SetDefault("proxy.timeout", "3s")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("proxywrapd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/proxywrapd")
	}

	v.SetEnvPrefix("PROXYWRAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("target address is required")
	}
	return &cfg, nil
}

// allowedNets parses the configured CIDR allow list.
func (c *ProxyConfig) allowedNets() ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, s := range c.AllowedProxies {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed proxy CIDR %q: %w", s, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
