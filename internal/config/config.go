package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
	HistoryRedis  = "redis"

	RepositoryPostgres = "postgres"
	RepositoryMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	LogLevel  string `env:"ORDERSAGA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ORDERSAGA_LOG_FORMAT" envDefault:"json"`

	History     string `env:"ORDERSAGA_HISTORY" envDefault:"sqlite"`
	HistoryPath string `env:"ORDERSAGA_HISTORY_PATH" envDefault:"./data/ordersaga.db"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	Repository       string `env:"ORDERSAGA_REPOSITORY" envDefault:"postgres"`
	DatabaseURL      string `env:"DATABASE_URL"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"orders"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	MaxOpenConns     int    `env:"ORDERSAGA_DB_MAX_CONNS" envDefault:"10"`

	Queues          []string `env:"ORDERSAGA_QUEUES" envSeparator:"," envDefault:"orders,shipping"`
	OrderWorkers    int      `env:"ORDERSAGA_ORDER_WORKERS" envDefault:"4"`
	ShippingWorkers int      `env:"ORDERSAGA_SHIPPING_WORKERS" envDefault:"2"`

	ApprovalTimeout     time.Duration `env:"ORDERSAGA_APPROVAL_TIMEOUT" envDefault:"10s"`
	ActivityTimeout     time.Duration `env:"ORDERSAGA_ACTIVITY_TIMEOUT" envDefault:"5s"`
	CancellationTimeout time.Duration `env:"ORDERSAGA_CANCELLATION_TIMEOUT" envDefault:"10s"`
	ExecutionTimeout    time.Duration `env:"ORDERSAGA_EXECUTION_TIMEOUT" envDefault:"300s"`
	MaxAttempts         uint64        `env:"ORDERSAGA_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitial        time.Duration `env:"ORDERSAGA_RETRY_INITIAL" envDefault:"1s"`
	RetryMax            time.Duration `env:"ORDERSAGA_RETRY_MAX" envDefault:"10s"`

	Retention    time.Duration `env:"ORDERSAGA_RETENTION" envDefault:"24h"`
	PollInterval time.Duration `env:"ORDERSAGA_POLL_INTERVAL" envDefault:"100ms"`

	// WorkerID names the worker on instance leases, random when empty.
	WorkerID string        `env:"ORDERSAGA_WORKER_ID"`
	Lease    time.Duration `env:"ORDERSAGA_LEASE" envDefault:"15s"`

	OTelEndpoint string `env:"ORDERSAGA_OTEL_ENDPOINT"`
}

// Load reads the optional dotenv files, then the environment.
// Variables already set in the environment win over the files.
func Load(files ...string) (Config, error) {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.History {
	case HistoryMemory, HistorySQLite, HistoryRedis:
	default:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("unknown history backend %q", c.History))
	}
	switch c.Repository {
	case RepositoryPostgres, RepositoryMemory:
	default:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("unknown repository %q", c.Repository))
	}

	durations := map[string]time.Duration{
		"approval timeout":     c.ApprovalTimeout,
		"activity timeout":     c.ActivityTimeout,
		"cancellation timeout": c.CancellationTimeout,
		"execution timeout":    c.ExecutionTimeout,
		"retry initial":        c.RetryInitial,
		"retry max":            c.RetryMax,
		"retention":            c.Retention,
		"poll interval":        c.PollInterval,
		"lease":                c.Lease,
	}
	for name, d := range durations {
		if d <= 0 {
			return errors.Join(ErrInvalidConfig, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxAttempts == 0 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("max attempts must be at least 1"))
	}
	if c.OrderWorkers <= 0 || c.ShippingWorkers <= 0 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("worker counts must be positive"))
	}
	return nil
}

// PostgresDSN returns DATABASE_URL when set, otherwise builds one from the POSTGRES_* parts.
func (c Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     net.JoinHostPort(c.PostgresHost, strconv.Itoa(c.PostgresPort)),
		Path:     "/" + c.PostgresDB,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
