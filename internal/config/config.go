// Package config loads per-binary settings from the environment. A .env file
// in the working directory is read first when present; real environment
// variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Log selects the zerolog level and output format.
type Log struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"` // json | console
}

// Database holds the Postgres connection settings.
type Database struct {
	URL             string        `envconfig:"DATABASE_URL" required:"true"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`
}

// NATS holds the message bus settings.
type NATS struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// Gateway configures cmd/wsserver. Embedded groups keep their own variable
// names without a prefix.
type Gateway struct {
	Log
	Database
	NATS

	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"60s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	ServerName     string        `envconfig:"SERVER_NAME"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string        `envconfig:"JWT_ISSUER"`
	JWTLeeway time.Duration `envconfig:"JWT_LEEWAY" default:"30s"`
}

// Relay configures cmd/relay.
type Relay struct {
	Log
	Database
	NATS

	MetricsAddr          string        `envconfig:"METRICS_ADDR" default:":9102"`
	MinReconnectInterval time.Duration `envconfig:"LISTENER_MIN_RECONNECT" default:"1s"`
	MaxReconnectInterval time.Duration `envconfig:"LISTENER_MAX_RECONNECT" default:"30s"`
	PingInterval         time.Duration `envconfig:"LISTENER_PING_INTERVAL" default:"90s"`
}

// Migrate configures cmd/migrate.
type Migrate struct {
	Log
	Database
}

// LoadGateway reads the gateway configuration.
func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := load(&cfg); err != nil {
		return Gateway{}, err
	}
	if err := nonEmpty("DATABASE_URL", cfg.Database.URL, "JWT_SECRET", cfg.JWTSecret); err != nil {
		return Gateway{}, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	if cfg.WorkerPoolSize <= 0 {
		return Gateway{}, fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", cfg.WorkerPoolSize)
	}
	return cfg, nil
}

// LoadRelay reads the relay configuration.
func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := load(&cfg); err != nil {
		return Relay{}, err
	}
	if err := nonEmpty("DATABASE_URL", cfg.Database.URL); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

// LoadMigrate reads the migration CLI configuration.
func LoadMigrate() (Migrate, error) {
	var cfg Migrate
	if err := load(&cfg); err != nil {
		return Migrate{}, err
	}
	if err := nonEmpty("DATABASE_URL", cfg.Database.URL); err != nil {
		return Migrate{}, err
	}
	return cfg, nil
}

func load(spec interface{}) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	if err := envconfig.Process("", spec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// nonEmpty takes name/value pairs. envconfig's required tag accepts a variable
// that is set to the empty string.
func nonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("config: %s must not be empty", pairs[i])
		}
	}
	return nil
}
