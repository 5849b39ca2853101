// Package config loads server configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full runtime configuration. Every field maps to a
// HAVEN_* environment variable.
type Config struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8787"`

	// DBPath is the SQLite database file.
	DBPath string `envconfig:"DB_PATH" default:"data/haven.db"`

	// LogLevel applies to every haven/* logger.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// STUNServers are handed to clients' peer connections.
	STUNServers []string `envconfig:"STUN_SERVERS" default:"stun:stun.l.google.com:19302"`

	// EndedLinger is how long a finished call stays visible before the
	// controller settles back to idle.
	EndedLinger time.Duration `envconfig:"ENDED_LINGER" default:"1500ms"`
}

// Load reads .env (best effort) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("haven", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// ApplyLogLevel sets the configured level on all haven loggers.
func (c Config) ApplyLogLevel() error {
	if err := logging.SetLogLevelRegex("haven/.*", c.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return nil
}
