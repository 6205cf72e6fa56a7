package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKWATCH_SERVER_PORT.
const EnvPrefix = "TASKWATCH"

// Load reads configuration from defaults, an optional config file and
// environment variables, in increasing precedence. With an empty path a
// config.yaml in the working directory is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Poller.Timeout < cfg.Poller.Interval {
		return errors.New("config validation failed: poller.timeout must not be shorter than poller.interval")
	}
	return nil
}

// setDefaults registers every key so environment overrides bind even when no
// config file mentions them.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("session.token", d.Session.Token)
	v.SetDefault("session.secret", d.Session.Secret)
	v.SetDefault("session.clock_skew", d.Session.ClockSkew)

	v.SetDefault("database.enabled", d.Database.Enabled)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.migrate_on_start", d.Database.MigrateOnStart)

	v.SetDefault("store.tombstone_ttl", d.Store.TombstoneTTL)
	v.SetDefault("store.tombstone_size", d.Store.TombstoneSize)

	v.SetDefault("poller.interval", d.Poller.Interval)
	v.SetDefault("poller.timeout", d.Poller.Timeout)
	v.SetDefault("poller.max_retries", d.Poller.MaxRetries)
	v.SetDefault("poller.retry_delay", d.Poller.RetryDelay)

	v.SetDefault("reconciler.interval", d.Reconciler.Interval)
	v.SetDefault("reconciler.min_age", d.Reconciler.MinAge)
	v.SetDefault("reconciler.max_retries", d.Reconciler.MaxRetries)
	v.SetDefault("reconciler.retry_delay", d.Reconciler.RetryDelay)

	v.SetDefault("events.webhook_url", d.Events.WebhookURL)
	v.SetDefault("events.result_cache_size", d.Events.ResultCacheSize)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.token", d.NATS.Token)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.connect_timeout", d.NATS.ConnectTimeout)
}
