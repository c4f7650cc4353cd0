/*
Package config loads server configuration from file, environment and flags.

PURPOSE:
  One place that decides what the server listens on, where the database
  lives, how chatty the logs are and whether background jobs run.

SOURCES (later wins):
  1. Defaults below
  2. Config file (lp-engine.yaml in . or /etc/lp-engine/), optional
  3. Environment variables with prefix LP (LP_HTTP_ADDR, LP_DB_PATH, ...)

USAGE:
  cfg, err := config.Load("")          // default search paths
  cfg, err := config.Load("my.yaml")   // explicit file
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	DB      DBConfig      `mapstructure:"db"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	// Path is the SQLite database file; ":memory:" for in-memory.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	// Level is a logrus level name: debug, info, warn, error.
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Org      string        `mapstructure:"org"`
}

// Load reads configuration. file may be empty to use the default search
// paths; a missing config file is not an error, env and defaults apply.
func Load(file string) (Config, error) {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.path", "lp-engine.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", 15*time.Minute)
	v.SetDefault("sweeper.org", "default")

	v.SetEnvPrefix("LP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("lp-engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lp-engine/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
