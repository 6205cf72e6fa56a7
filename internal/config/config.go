package config

import (
	"time"

	"github.com/phrazzld/taskwatch/internal/platform/logger"
	"github.com/phrazzld/taskwatch/internal/platform/natsbus"
	"github.com/phrazzld/taskwatch/internal/platform/sqldb"
	"github.com/phrazzld/taskwatch/internal/poller"
	"github.com/phrazzld/taskwatch/internal/reconcile"
	"github.com/phrazzld/taskwatch/internal/remote"
	"github.com/phrazzld/taskwatch/internal/session"
	"github.com/phrazzld/taskwatch/internal/task"
)

// Config holds all application configuration.
// Component sections reuse the config types of the packages they configure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Log        logger.Config    `mapstructure:"log" validate:"required"`
	Remote     remote.Config    `mapstructure:"remote" validate:"required"`
	Session    session.Config   `mapstructure:"session"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Store      task.StoreConfig `mapstructure:"store"`
	Poller     poller.Config    `mapstructure:"poller" validate:"required"`
	Reconciler reconcile.Config `mapstructure:"reconciler" validate:"required"`
	Events     EventsConfig     `mapstructure:"events"`
	NATS       NATSConfig       `mapstructure:"nats"`
}

// ServerConfig contains the daemon HTTP API settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig controls snapshot persistence. When disabled tracked tasks
// live in memory only.
type DatabaseConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	sqldb.Config `mapstructure:",squash"`
}

// EventsConfig configures completion side effects.
type EventsConfig struct {
	// WebhookURL receives cache invalidations; empty logs them instead.
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`

	// ResultCacheSize bounds the number of cached result documents.
	ResultCacheSize int `mapstructure:"result_cache_size" validate:"gt=0"`
}

// NATSConfig controls cross-session completion broadcast.
type NATSConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	natsbus.Config `mapstructure:",squash"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: logger.DefaultConfig(),
		Remote: remote.Config{
			BaseURL: "http://localhost:3000",
			Timeout: 10 * time.Second,
		},
		Session: session.Config{
			ClockSkew: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Config: sqldb.DefaultConfig(),
		},
		Store:      task.DefaultStoreConfig(),
		Poller:     poller.DefaultConfig(),
		Reconciler: reconcile.DefaultConfig(),
		Events: EventsConfig{
			ResultCacheSize: 128,
		},
		NATS: NATSConfig{
			Config: natsbus.DefaultConfig(),
		},
	}
}
