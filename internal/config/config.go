// Package config handles configuration for the nxus-loaderd daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/davidkellerman/nxus-data-loaders/pkg/loader"
	"github.com/davidkellerman/nxus-data-loaders/pkg/pool"
	"github.com/davidkellerman/nxus-data-loaders/pkg/registry"
)

// Config holds all configuration for the daemon.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Pools       []PoolConfig       `mapstructure:"pools"`
	Loader      LoaderConfig       `mapstructure:"loader"`
	Events      EventsConfig       `mapstructure:"events"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Collections []CollectionConfig `mapstructure:"collections"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// PoolConfig sets a request pool's concurrency limit.
type PoolConfig struct {
	Name  string `mapstructure:"name"`
	Limit int    `mapstructure:"limit"`
}

// LoaderConfig holds loader-wide tuning.
type LoaderConfig struct {
	ErrorBackoffSecs int `mapstructure:"error_backoff_secs"`
	CatchupDelayMS   int `mapstructure:"catchup_delay_ms"`
}

// EventsConfig holds the change-notification connection tuning.
type EventsConfig struct {
	ReconnectBackoffSecs int `mapstructure:"reconnect_backoff_secs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CollectionConfig describes one collection the daemon keeps loaded.
// Collections with events configured reload on change notifications.
type CollectionConfig struct {
	Name      string         `mapstructure:"name"`
	URL       string         `mapstructure:"url"`
	Query     map[string]any `mapstructure:"query"`
	Pool      string         `mapstructure:"pool"`
	Property  string         `mapstructure:"property"`
	Singleton bool           `mapstructure:"singleton"`
	EventsURL string         `mapstructure:"events_url"`
	Events    []string       `mapstructure:"events"`
	Cutoff    int64          `mapstructure:"cutoff"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nxus-loaderd")
	}

	v.SetEnvPrefix("NXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// The config file is optional; defaults plus environment suffice.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	v.SetDefault("loader.error_backoff_secs", int(loader.DefaultErrorBackoff/time.Second))
	v.SetDefault("loader.catchup_delay_ms", int(registry.DefaultCatchupDelay/time.Millisecond))

	v.SetDefault("events.reconnect_backoff_secs", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the configuration for inconsistencies.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", cfg.Server.Port)
	}

	seenPools := make(map[string]bool)
	for _, p := range cfg.Pools {
		if p.Name == "" {
			return fmt.Errorf("config: pool with empty name")
		}
		if seenPools[p.Name] {
			return fmt.Errorf("config: duplicate pool %q", p.Name)
		}
		seenPools[p.Name] = true
		if p.Limit < 1 {
			return fmt.Errorf("config: pool %q limit must be at least 1", p.Name)
		}
	}

	seenNames := make(map[string]bool)
	seenProps := make(map[string]string)
	for i, c := range cfg.Collections {
		if c.Name == "" {
			return fmt.Errorf("config: collection %d has no name", i)
		}
		if seenNames[c.Name] {
			return fmt.Errorf("config: duplicate collection %q", c.Name)
		}
		seenNames[c.Name] = true
		if c.URL == "" {
			return fmt.Errorf("config: collection %q has no url", c.Name)
		}
		if len(c.Events) > 0 && c.EventsURL == "" {
			return fmt.Errorf("config: collection %q names events but no events_url", c.Name)
		}
		prop := c.Property
		if prop == "" {
			prop = c.Name
		}
		if other, clash := seenProps[prop]; clash {
			return fmt.Errorf("config: collections %q and %q share bucket property %q", other, c.Name, prop)
		}
		seenProps[prop] = c.Name
	}
	return nil
}

// ErrorBackoff returns the configured cycle-failure backoff.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Loader.ErrorBackoffSecs) * time.Second
}

// CatchupDelay returns the configured catch-up replay deferral.
func (c *Config) CatchupDelay() time.Duration {
	return time.Duration(c.Loader.CatchupDelayMS) * time.Millisecond
}

// ReconnectBackoff returns the configured event reconnect backoff.
func (c *Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.Events.ReconnectBackoffSecs) * time.Second
}

// PoolSet builds the request pools described by the configuration; unnamed
// pools fall back to the default limit.
func (c *Config) PoolSet() *pool.Set {
	set := pool.NewSet()
	for _, p := range c.Pools {
		set.Pool(p.Name).SetLimit(p.Limit)
	}
	return set
}
