// Package config loads service settings. Flags override AUCTION_ prefixed
// environment variables, which override the YAML file, which overrides the
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting the service reads
type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Store struct {
		Driver   string `mapstructure:"driver"`
		Postgres struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"postgres"`
		Mongo struct {
			URI      string `mapstructure:"uri"`
			Database string `mapstructure:"database"`
		} `mapstructure:"mongo"`
	} `mapstructure:"store"`

	Gate struct {
		MaxRetries int           `mapstructure:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
		OpTimeout  time.Duration `mapstructure:"op_timeout"`
	} `mapstructure:"gate"`

	Scheduler struct {
		ActivationInterval time.Duration `mapstructure:"activation_interval"`
		SettlementInterval time.Duration `mapstructure:"settlement_interval"`
		Workers            int           `mapstructure:"workers"`
		Lock               struct {
			RedisURL string        `mapstructure:"redis_url"`
			TTL      time.Duration `mapstructure:"ttl"`
		} `mapstructure:"lock"`
	} `mapstructure:"scheduler"`

	Events struct {
		Driver string `mapstructure:"driver"`
		Buffer int    `mapstructure:"buffer"`
		AMQP   struct {
			URL      string `mapstructure:"url"`
			Exchange string `mapstructure:"exchange"`
		} `mapstructure:"amqp"`
	} `mapstructure:"events"`

	Metrics struct {
		StatsdAddr string `mapstructure:"statsd_addr"`
	} `mapstructure:"metrics"`

	// Admins may force-cancel auctions
	Admins []string `mapstructure:"admins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.database", "auctions")
	v.SetDefault("gate.max_retries", 3)
	v.SetDefault("gate.retry_delay", 5*time.Millisecond)
	v.SetDefault("gate.op_timeout", 5*time.Second)
	v.SetDefault("scheduler.activation_interval", 60*time.Second)
	v.SetDefault("scheduler.settlement_interval", 30*time.Second)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.lock.redis_url", "")
	v.SetDefault("scheduler.lock.ttl", 30*time.Second)
	v.SetDefault("events.driver", "log")
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("events.amqp.exchange", "auction.events")
	v.SetDefault("metrics.statsd_addr", "")
	v.SetDefault("admins", []string{})
}

// Flags registers the command line flags Load understands
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the YAML config file")
	fs.Int("port", 0, "HTTP port, overrides server.port")
}

// Load reads configuration. An empty path or a missing file falls back to
// environment variables and defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AUCTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if port := fs.Lookup("port"); port != nil && port.Changed {
			if err := v.BindPFlag("server.port", port); err != nil {
				return nil, fmt.Errorf("config: bind port flag: %w", err)
			}
		}
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("config: read %s: %w", path, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Postgres.URL == "" {
			return errors.New("config: store.postgres.url is required for the postgres driver")
		}
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return errors.New("config: store.mongo.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Events.Driver {
	case "log":
	case "amqp":
		if c.Events.AMQP.URL == "" {
			return errors.New("config: events.amqp.url is required for the amqp driver")
		}
	default:
		return fmt.Errorf("config: unknown events.driver %q", c.Events.Driver)
	}

	if c.Gate.MaxRetries < 0 {
		return errors.New("config: gate.max_retries must not be negative")
	}
	return nil
}
