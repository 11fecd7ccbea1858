package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMySQL    = "mysql"
	BackendHTTP     = "http"
	BackendStripe   = "stripe"
)

type Config struct {
	Env         string    `yaml:"env" env:"ENV" env-default:"dev"`
	ServiceName string    `yaml:"service_name" env:"SERVICE_NAME" env-default:"minishop-checkout"`
	Log         Log       `yaml:"log"`
	HTTP        HTTP      `yaml:"http"`
	Auth        Auth      `yaml:"auth"`
	Store       Store     `yaml:"store"`
	Inventory   Inventory `yaml:"inventory"`
	Payment     Payment   `yaml:"payment"`
	Checkout    Checkout  `yaml:"checkout"`
	Reconcile   Reconcile `yaml:"reconcile"`
	Kafka       Kafka     `yaml:"kafka"`
	Tracing     Tracing   `yaml:"tracing"`
	Dedup       Dedup     `yaml:"dedup"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

type Store struct {
	Backend     string `yaml:"backend" env:"STORE_BACKEND" env-default:"memory"`
	PostgresURL string `yaml:"postgres_url" env:"DB_URL"`
}

type Inventory struct {
	Backend      string `yaml:"backend" env:"INVENTORY_BACKEND" env-default:"memory"`
	BaseURL      string `yaml:"base_url" env:"PRODUCT_SERVICE_URL"`
	ServiceToken string `yaml:"service_token" env:"PRODUCT_SERVICE_TOKEN"`
	RedisAddr    string `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	MySQLDSN     string `yaml:"mysql_dsn" env:"MYSQL_DSN"`
}

type Payment struct {
	Backend            string        `yaml:"backend" env:"PAYMENT_BACKEND" env-default:"memory"`
	APIKey             string        `yaml:"api_key" env:"STRIPE_SECRET_KEY"`
	BaseURL            string        `yaml:"base_url" env:"STRIPE_BASE_URL"`
	WebhookSecret      string        `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
	Currency           string        `yaml:"currency" env:"PAYMENT_CURRENCY" env-default:"usd"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance" env:"STRIPE_SIGNATURE_TOLERANCE" env-default:"5m"`
}

type Checkout struct {
	StepTimeout       time.Duration `yaml:"step_timeout" env:"CHECKOUT_STEP_TIMEOUT" env-default:"5s"`
	StockRetries      int           `yaml:"stock_retries" env:"CHECKOUT_STOCK_RETRIES" env-default:"3"`
	StockRetryBackoff time.Duration `yaml:"stock_retry_backoff" env:"CHECKOUT_STOCK_RETRY_BACKOFF" env-default:"50ms"`
}

type Reconcile struct {
	Interval            time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" env-default:"1m"`
	PendingAge          time.Duration `yaml:"pending_age" env:"RECONCILE_PENDING_AGE" env-default:"15m"`
	StockAge            time.Duration `yaml:"stock_age" env:"RECONCILE_STOCK_AGE" env-default:"2m"`
	BatchSize           int           `yaml:"batch_size" env:"RECONCILE_BATCH_SIZE" env-default:"50"`
	UnmatchedRetryDelay time.Duration `yaml:"unmatched_retry_delay" env:"RECONCILE_UNMATCHED_RETRY_DELAY" env-default:"5s"`
	UnmatchedRetries    int           `yaml:"unmatched_retries" env:"RECONCILE_UNMATCHED_RETRIES" env-default:"3"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"order_events"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled" env:"TRACING_ENABLED" env-default:"false"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	SampleRatio float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO" env-default:"1"`
}

type Dedup struct {
	TTL time.Duration `yaml:"ttl" env:"DEDUP_TTL" env-default:"24h"`
}

// Load reads the YAML file named by CONFIG_PATH when it is set, then applies
// environment overrides and defaults.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every selected backend has what it needs to connect.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		require(c.Store.PostgresURL != "", "store.postgres_url is required for the postgres backend")
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not supported", c.Store.Backend))
	}

	switch c.Inventory.Backend {
	case BackendMemory:
	case BackendRedis:
		require(c.Inventory.RedisAddr != "", "inventory.redis_addr is required for the redis backend")
	case BackendMySQL:
		require(c.Inventory.MySQLDSN != "", "inventory.mysql_dsn is required for the mysql backend")
	case BackendHTTP:
		require(c.Inventory.BaseURL != "", "inventory.base_url is required for the http backend")
	default:
		errs = append(errs, fmt.Errorf("inventory.backend %q is not supported", c.Inventory.Backend))
	}

	switch c.Payment.Backend {
	case BackendMemory:
	case BackendStripe:
		require(c.Payment.APIKey != "", "payment.api_key is required for the stripe backend")
		require(c.Payment.WebhookSecret != "", "payment.webhook_secret is required for the stripe backend")
	default:
		errs = append(errs, fmt.Errorf("payment.backend %q is not supported", c.Payment.Backend))
	}

	require(strings.TrimSpace(c.Payment.Currency) != "", "payment.currency is required")
	require(c.Checkout.StepTimeout > 0, "checkout.step_timeout must be positive")
	require(c.Checkout.StockRetries >= 0, "checkout.stock_retries must not be negative")
	require(c.Reconcile.BatchSize > 0, "reconcile.batch_size must be positive")
	require(c.Env == "dev" || c.Auth.JWTSecret != "", "auth.jwt_secret is required outside dev")

	return errors.Join(errs...)
}

// KafkaEnabled reports whether domain events should be relayed to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
