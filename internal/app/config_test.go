package app

import (
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WEBHOOK_SECRET", "whsec_env")
	t.Setenv("JWT_SECRET", "jwt-env")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.HTTPAddr != ":8080" || cfg.Server.GRPCAddr != ":50051" || cfg.Server.MetricsAddr != ":9090" {
		t.Fatalf("unexpected server addrs: %+v", cfg.Server)
	}
	if cfg.Storage.Driver != StorageDriverMemory {
		t.Fatalf("expected memory storage by default, got %q", cfg.Storage.Driver)
	}
	if cfg.Payment.Provider != PaymentProviderFake {
		t.Fatalf("expected fake provider by default, got %q", cfg.Payment.Provider)
	}
	if cfg.Checkout.Currency != "USD" {
		t.Fatalf("unexpected currency: %q", cfg.Checkout.Currency)
	}
	if cfg.Webhook.SignatureHeader != "Stripe-Signature" {
		t.Fatalf("unexpected signature header: %q", cfg.Webhook.SignatureHeader)
	}
	if cfg.Webhook.EventTTL != 72*time.Hour {
		t.Fatalf("unexpected event ttl: %s", cfg.Webhook.EventTTL)
	}
	if cfg.Reconcile.AutoRepair {
		t.Fatal("auto-repair must be off by default")
	}
	if cfg.Reconcile.FailedLookback != 24*time.Hour {
		t.Fatalf("unexpected failed lookback: %s", cfg.Reconcile.FailedLookback)
	}
	if cfg.Outbox.MaxAttempts != 3 || cfg.Outbox.RetryDelay != 100*time.Millisecond {
		t.Fatalf("unexpected outbox config: %+v", cfg.Outbox)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("kafka must be disabled by default, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_ADDR", "127.0.0.1:8181")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://storefront@localhost/storefront")
	t.Setenv("POSTGRES_AUTO_MIGRATE", "false")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("STORE_CURRENCY", "EUR")
	t.Setenv("PRICE_TOLERANCE_MINOR", "2")
	t.Setenv("RECONCILE_AUTO_REPAIR", "true")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("JWT_TTL", "15m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8181" {
		t.Fatalf("unexpected http addr: %s", cfg.Server.HTTPAddr)
	}
	if cfg.Storage.Driver != StorageDriverPostgres || cfg.Storage.PostgresAutoMigrate {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Checkout.Currency != "EUR" || cfg.Checkout.PriceToleranceMinor != 2 {
		t.Fatalf("unexpected checkout config: %+v", cfg.Checkout)
	}
	if !cfg.Reconcile.AutoRepair {
		t.Fatal("expected auto-repair enabled")
	}
	if cfg.Outbox.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.Outbox.PollInterval)
	}
	if cfg.Auth.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.Auth.TokenTTL)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_TIMEOUT", "soon")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "test config is valid", mutate: func(*Config) {}},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = StorageDriverPostgres },
			wantErr: "POSTGRES_DSN",
		},
		{
			name:    "stripe without key",
			mutate:  func(c *Config) { c.Payment.Provider = PaymentProviderStripe },
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Payment.Provider = "paypal" },
			wantErr: "unsupported payment provider",
		},
		{
			name:    "blank webhook secret",
			mutate:  func(c *Config) { c.Webhook.Secret = "  " },
			wantErr: "WEBHOOK_SECRET",
		},
		{
			name:    "blank jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "JWT_SECRET",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "LOG_LEVEL",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "LOG_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	prevLevel, prevFormatter := log.GetLevel(), log.StandardLogger().Formatter
	t.Cleanup(func() {
		log.SetLevel(prevLevel)
		log.SetFormatter(prevFormatter)
	})

	ConfigureLogging(LogConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.StandardLogger().Formatter)
	}

	ConfigureLogging(LogConfig{Level: "nonsense", Format: "text"})
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("expected info fallback, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.StandardLogger().Formatter)
	}
}
