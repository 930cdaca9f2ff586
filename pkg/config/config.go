// Package config loads the server configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/developer-mesh/taskswarm/pkg/cache"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// Config is the root configuration of the server.
type Config struct {
	Environment string          `mapstructure:"environment"`
	API         APIConfig       `mapstructure:"api"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// CacheConfig selects the advisory cache backing the lookup hints.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `mapstructure:"type"`

	// MaxItems bounds the in-memory cache.
	MaxItems int `mapstructure:"max_items"`

	// LookupTTL bounds how long a negative dispatch hint lives.
	LookupTTL time.Duration `mapstructure:"lookup_ttl"`

	Redis cache.RedisConfig `mapstructure:"redis"`
}

// SchedulerConfig carries the scheduler core tunables.
type SchedulerConfig struct {
	ReusableTaskAge   time.Duration `mapstructure:"reusable_task_age"`
	BotPingTolerance  time.Duration `mapstructure:"bot_ping_tolerance"`
	ShardingLevel     int           `mapstructure:"sharding_level"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// IsCanary reports whether the deployment runs as a canary.
func (c *Config) IsCanary() bool {
	return c.Environment == "canary"
}

// IsLocalDev reports whether the deployment is a local development server.
func (c *Config) IsLocalDev() bool {
	return c.Environment == "dev" || c.Environment == "local"
}

// Load reads the configuration from the file named by TASKSWARM_CONFIG_FILE
// (default configs/config.yaml) and from TASKSWARM_-prefixed environment
// variables. A missing file is not an error; the defaults and environment
// carry a runnable configuration.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("TASKSWARM_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("TASKSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common deployment variables that do not carry the prefix.
	_ = v.BindEnv("cache.redis.address", "REDIS_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		// With SetConfigFile, viper reports a missing file as a path error
		// rather than ConfigFileNotFoundError; treat both as "no file".
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	if c.Scheduler.ShardingLevel < 0 {
		return fmt.Errorf("sharding_level must be non-negative, got %d", c.Scheduler.ShardingLevel)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", "30s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.max_items", 10000)
	v.SetDefault("cache.lookup_ttl", "15s")
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.dial_timeout", 5)
	v.SetDefault("cache.redis.read_timeout", 3)
	v.SetDefault("cache.redis.write_timeout", 3)

	v.SetDefault("scheduler.reusable_task_age", "168h")
	v.SetDefault("scheduler.bot_ping_tolerance", "10m")
	v.SetDefault("scheduler.sharding_level", taskpack.DefaultShardingLevel)
	v.SetDefault("scheduler.reconcile_interval", "30s")

	v.SetDefault("logging.level", "info")
}
