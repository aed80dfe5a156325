// Package config loads relay server settings from the environment. An
// optional .env file in the working directory is read first; real
// environment variables take precedence.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/duel-relay/internal/coordinator"
	"github.com/whisper/duel-relay/internal/logging"
	"github.com/whisper/duel-relay/internal/messaging"
	"github.com/whisper/duel-relay/internal/ratelimit"
	"github.com/whisper/duel-relay/internal/ws"
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// Config is the full relay server configuration.
type Config struct {
	// Gateway
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256" validate:"gt=0"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000" validate:"gt=0"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" envDefault:"16777216" validate:"gt=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	HandlerTimeout    time.Duration `env:"HANDLER_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	// Storage
	StoreBackend string `env:"STORE_BACKEND" envDefault:"redis" validate:"oneof=redis postgres badger memory"`
	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB      int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`
	RedisPass    string `env:"REDIS_PASSWORD"`
	PostgresDSN  string `env:"POSTGRES_DSN" validate:"required_if=StoreBackend postgres"`
	BadgerPath   string `env:"BADGER_PATH" envDefault:"./data/badger"`

	// Cross-instance bus. Empty NATS_URL runs a single instance.
	NATSURL    string `env:"NATS_URL"`
	ServerName string `env:"SERVER_NAME"`

	// Coordinator
	ExcludeSender     bool          `env:"RELAY_EXCLUDE_SENDER" envDefault:"false"`
	SessionCodeLength int           `env:"SESSION_CODE_LENGTH" envDefault:"6" validate:"gte=4,lte=32"`
	MaxCreateAttempts int           `env:"MAX_CREATE_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	PersistWorkers    int           `env:"PERSIST_WORKERS" envDefault:"64" validate:"gt=0"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT" envDefault:"3s" validate:"gt=0"`
	PersistRetries    uint64        `env:"PERSIST_RETRIES" envDefault:"3"`

	// Rate limiting (Redis). A zero limit disables the rule. Only active when
	// Redis is the store backend or REDIS_ADDR is set explicitly.
	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	CreateLimit      int           `env:"RATE_LIMIT_CREATE" envDefault:"10"`
	CreateWindow     time.Duration `env:"RATE_LIMIT_CREATE_WINDOW" envDefault:"1m"`
	JoinLimit        int           `env:"RATE_LIMIT_JOIN" envDefault:"20"`
	JoinWindow       time.Duration `env:"RATE_LIMIT_JOIN_WINDOW" envDefault:"1m"`
	MoveLimit        int           `env:"RATE_LIMIT_MOVE" envDefault:"50"`
	MoveWindow       time.Duration `env:"RATE_LIMIT_MOVE_WINDOW" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
	LogFile   string `env:"LOG_FILE"`

	redisAddrSet bool
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "config: load .env")
	}
	return Parse()
}

// Parse parses the environment without touching .env.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse env")
	}
	_, cfg.redisAddrSet = os.LookupEnv("REDIS_ADDR")
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: invalid")
	}
	return &cfg, nil
}

// Server maps the gateway settings onto ws.ServerConfig.
func (c *Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:      c.ListenAddr,
		WorkerPoolSize:  c.WorkerPoolSize,
		MaxConnections:  c.MaxConnections,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		MaxMessageBytes: c.MaxMessageBytes,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// NATS maps the bus settings onto messaging.NATSConfig.
func (c *Config) NATS() messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	if c.ServerName != "" {
		cfg.Name = "duel-relay-" + c.ServerName
	}
	return cfg
}

// Coordinator maps the session settings onto coordinator.Config.
func (c *Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		CodeLength:        c.SessionCodeLength,
		MaxCreateAttempts: c.MaxCreateAttempts,
		ExcludeSender:     c.ExcludeSender,
		PersistWorkers:    c.PersistWorkers,
		PersistTimeout:    c.PersistTimeout,
		PersistRetries:    c.PersistRetries,
	}
}

// Redis returns client options for the Redis store and rate limiter.
func (c *Config) Redis() *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPass,
		DB:       c.RedisDB,
	}
}

// RateLimiting reports whether the Redis rate limiter should be wired. A
// backend other than Redis only gets one when REDIS_ADDR names a server.
func (c *Config) RateLimiting() bool {
	return c.RateLimitEnabled && (c.StoreBackend == BackendRedis || c.redisAddrSet)
}

// RateRules returns the create, join and move rules.
func (c *Config) RateRules() (create, join, move ratelimit.Rule) {
	create = ratelimit.RuleCreate
	create.Limit, create.Window = c.CreateLimit, c.CreateWindow
	join = ratelimit.RuleJoin
	join.Limit, join.Window = c.JoinLimit, c.JoinWindow
	move = ratelimit.RuleMove
	move.Limit, move.Window = c.MoveLimit, c.MoveWindow
	return create, join, move
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		File:   c.LogFile,
	}
}
