package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Поддерживаемые платёжные провайдеры.
const (
	PaymentProviderFake   = "fake"
	PaymentProviderStripe = "stripe"
)

// Config: полная конфигурация сервиса, заполняется из окружения.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Payment   PaymentConfig
	Webhook   WebhookConfig
	Checkout  CheckoutConfig
	Auth      AuthConfig
	Reconcile ReconcileConfig
	Outbox    OutboxConfig
	Ledger    LedgerConfig
	SMTP      SMTPConfig

	SeedDemoCatalog bool `envconfig:"SEED_DEMO_CATALOG" default:"false"`
}

type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":50051"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR" default:":9090"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

type StorageConfig struct {
	Driver              string `envconfig:"STORAGE_DRIVER" default:"memory"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`
	PostgresMaxConns    int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

type RedisConfig struct {
	Addr            string        `envconfig:"REDIS_ADDR"`
	Password        string        `envconfig:"REDIS_PASSWORD"`
	DB              int           `envconfig:"REDIS_DB" default:"0"`
	CatalogCacheTTL time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"30s"`
}

type KafkaConfig struct {
	Brokers       []string `envconfig:"KAFKA_BROKERS"`
	OrderTopic    string   `envconfig:"KAFKA_ORDER_TOPIC" default:"storefront.order.events"`
	ConsumerGroup string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"storefront-notifier"`
	MaxRetries    int      `envconfig:"KAFKA_CONSUMER_MAX_RETRIES" default:"3"`
}

type PaymentConfig struct {
	Provider        string        `envconfig:"PAYMENT_PROVIDER" default:"fake"`
	StripeSecretKey string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeAPIURL    string        `envconfig:"STRIPE_API_URL"`
	Timeout         time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"10s"`
}

type WebhookConfig struct {
	Secret          string        `envconfig:"WEBHOOK_SECRET" required:"true"`
	Tolerance       time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`
	SignatureHeader string        `envconfig:"WEBHOOK_SIGNATURE_HEADER" default:"Stripe-Signature"`
	EventTTL        time.Duration `envconfig:"WEBHOOK_EVENT_TTL" default:"72h"`
	ProcessingLease time.Duration `envconfig:"WEBHOOK_PROCESSING_LEASE" default:"30s"`
}

type CheckoutConfig struct {
	Currency             string `envconfig:"STORE_CURRENCY" default:"USD"`
	PriceToleranceMinor  int64  `envconfig:"PRICE_TOLERANCE_MINOR" default:"0"`
	MaxConcurrentLookups int    `envconfig:"CATALOG_MAX_CONCURRENT_LOOKUPS" default:"8"`
}

type AuthConfig struct {
	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL  time.Duration `envconfig:"JWT_TTL" default:"1h"`
}

type ReconcileConfig struct {
	Enabled        bool          `envconfig:"RECONCILE_ENABLED" default:"true"`
	Interval       time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	GracePeriod    time.Duration `envconfig:"RECONCILE_GRACE_PERIOD" default:"15m"`
	FailedLookback time.Duration `envconfig:"RECONCILE_FAILED_LOOKBACK" default:"24h"`
	AutoRepair     bool          `envconfig:"RECONCILE_AUTO_REPAIR" default:"false"`
}

type OutboxConfig struct {
	PollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	BatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	MaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"3"`
	RetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY" default:"100ms"`
}

type LedgerConfig struct {
	CleanupInterval  time.Duration `envconfig:"WEBHOOK_LEDGER_CLEANUP_INTERVAL" default:"1m"`
	CleanupBatchSize int           `envconfig:"WEBHOOK_LEDGER_CLEANUP_BATCH_SIZE" default:"500"`
}

type SMTPConfig struct {
	Addr     string `envconfig:"SMTP_ADDR"`
	From     string `envconfig:"SMTP_FROM" default:"orders@storefront.local"`
	Username string `envconfig:"SMTP_USERNAME"`
	Password string `envconfig:"SMTP_PASSWORD"`
}

// LoadConfig читает конфигурацию из окружения и проверяет её.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewTestConfig возвращает конфигурацию для тестов: память, fake-провайдер, случайные порты.
func NewTestConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:0",
			GRPCAddr:        "127.0.0.1:0",
			MetricsAddr:     "127.0.0.1:0",
			ShutdownTimeout: 2 * time.Second,
		},
		Log:     LogConfig{Level: "error", Format: "text"},
		Storage: StorageConfig{Driver: StorageDriverMemory},
		Redis:   RedisConfig{CatalogCacheTTL: 30 * time.Second},
		Kafka: KafkaConfig{
			OrderTopic:    "storefront.order.events",
			ConsumerGroup: "storefront-notifier-test",
			MaxRetries:    3,
		},
		Payment: PaymentConfig{Provider: PaymentProviderFake, Timeout: time.Second},
		Webhook: WebhookConfig{
			Secret:          "whsec_test",
			Tolerance:       5 * time.Minute,
			SignatureHeader: "Stripe-Signature",
			EventTTL:        time.Hour,
			ProcessingLease: 30 * time.Second,
		},
		Checkout:  CheckoutConfig{Currency: "USD", MaxConcurrentLookups: 4},
		Auth:      AuthConfig{JWTSecret: "test-jwt-secret", TokenTTL: time.Hour},
		Reconcile: ReconcileConfig{Enabled: false, Interval: time.Minute, GracePeriod: 15 * time.Minute},
		Outbox: OutboxConfig{
			PollInterval: 20 * time.Millisecond,
			BatchSize:    10,
			MaxAttempts:  2,
		},
		Ledger:          LedgerConfig{CleanupInterval: time.Minute, CleanupBatchSize: 100},
		SMTP:            SMTPConfig{From: "orders@storefront.test"},
		SeedDemoCatalog: true,
	}
}

// Validate проверяет сочетания параметров, которые envconfig не выражает тегами.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return errors.New("POSTGRES_DSN is required for postgres storage")
		}
	default:
		return errors.Newf("unsupported storage driver %q", c.Storage.Driver)
	}

	switch c.Payment.Provider {
	case PaymentProviderFake:
	case PaymentProviderStripe:
		if strings.TrimSpace(c.Payment.StripeSecretKey) == "" {
			return errors.New("STRIPE_SECRET_KEY is required for stripe provider")
		}
	default:
		return errors.Newf("unsupported payment provider %q", c.Payment.Provider)
	}

	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "invalid LOG_LEVEL %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Newf("invalid LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}

// ConfigureLogging настраивает глобальный logrus по конфигурации.
func ConfigureLogging(cfg LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
