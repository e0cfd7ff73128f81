package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	Algorithm       string // sha256 | sha512
	MaxBodyBytes    int64
	RateLimit       float64 // requests per second, 0 disables
	RateBurst       int
}

type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	ExpiryBuffer time.Duration
	Timeout      time.Duration
}

type GatewayConfig struct {
	BaseURL string
	Timeout time.Duration
}

type LedgerConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

type ReconciliationConfig struct {
	PendingTimeout       time.Duration
	IdempotencyRetention time.Duration
	ClaimTimeout         time.Duration
	PendingInterval      time.Duration
	EscrowInterval       time.Duration
	IdempotencyInterval  time.Duration
	DriftInterval        time.Duration
	BatchSize            int

	// UnverifiedAbandonAfter bounds how long a pending charge is kept while
	// gateway verification keeps failing.
	UnverifiedAbandonAfter time.Duration
}

type EventsConfig struct {
	Driver          string // kafka | redis | log
	KafkaBrokers    []string
	KafkaTopic      string
	RedisList       string
	SettlementQueue string
	Workers         int
	QueueSize       int
	PublishTimeout  time.Duration
}

type Config struct {
	Env            string
	Port           string
	JWTSecret      string
	Webhook        WebhookConfig
	OAuth          OAuthConfig
	Gateway        GatewayConfig
	Ledger         LedgerConfig
	Reconciliation ReconciliationConfig
	Events         EventsConfig
	Escrow         EscrowPolicies
}

var bindings = map[string]string{
	"app.env":  "APP_ENV",
	"app.port": "PORT",

	"database.host":     "DATABASE_HOST",
	"database.port":     "DATABASE_PORT",
	"database.user":     "DATABASE_USER",
	"database.password": "DATABASE_PASSWORD",
	"database.name":     "DATABASE_NAME",
	"database.ssl_mode": "DATABASE_SSL_MODE",

	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"jwt.secret_key": "JWT_SECRET_KEY",

	"webhook.secret":           "WEBHOOK_SECRET",
	"webhook.signature_header": "WEBHOOK_SIGNATURE_HEADER",
	"webhook.algorithm":        "WEBHOOK_ALGORITHM",
	"webhook.max_body_bytes":   "WEBHOOK_MAX_BODY_BYTES",
	"webhook.rate_limit":       "WEBHOOK_RATE_LIMIT",
	"webhook.rate_burst":       "WEBHOOK_RATE_BURST",

	"oauth.token_url":     "OAUTH_TOKEN_URL",
	"oauth.client_id":     "OAUTH_CLIENT_ID",
	"oauth.client_secret": "OAUTH_CLIENT_SECRET",
	"oauth.scopes":        "OAUTH_SCOPES",
	"oauth.expiry_buffer": "OAUTH_EXPIRY_BUFFER",
	"oauth.timeout":       "OAUTH_TIMEOUT",

	"gateway.base_url": "GATEWAY_BASE_URL",
	"gateway.timeout":  "GATEWAY_TIMEOUT",

	"ledger.max_retries":   "LEDGER_MAX_RETRIES",
	"ledger.retry_backoff": "LEDGER_RETRY_BACKOFF",

	"reconciliation.pending_timeout":       "RECONCILIATION_PENDING_TIMEOUT",
	"reconciliation.idempotency_retention": "RECONCILIATION_IDEMPOTENCY_RETENTION",
	"reconciliation.claim_timeout":         "RECONCILIATION_CLAIM_TIMEOUT",
	"reconciliation.pending_interval":      "RECONCILIATION_PENDING_INTERVAL",
	"reconciliation.escrow_interval":       "RECONCILIATION_ESCROW_INTERVAL",
	"reconciliation.idempotency_interval":  "RECONCILIATION_IDEMPOTENCY_INTERVAL",
	"reconciliation.drift_interval":        "RECONCILIATION_DRIFT_INTERVAL",
	"reconciliation.batch_size":            "RECONCILIATION_BATCH_SIZE",

	"reconciliation.unverified_abandon_after": "RECONCILIATION_UNVERIFIED_ABANDON_AFTER",

	"events.driver":           "EVENTS_DRIVER",
	"events.kafka_brokers":    "KAFKA_BROKERS",
	"events.kafka_topic":      "KAFKA_TOPIC",
	"events.redis_list":       "EVENTS_REDIS_LIST",
	"events.settlement_queue": "SETTLEMENT_QUEUE",
	"events.workers":          "EVENTS_WORKERS",
	"events.queue_size":       "EVENTS_QUEUE_SIZE",
	"events.publish_timeout":  "EVENTS_PUBLISH_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.port", "8080")

	v.SetDefault("webhook.signature_header", "X-Gateway-Signature")
	v.SetDefault("webhook.algorithm", "sha512")
	v.SetDefault("webhook.max_body_bytes", 1_048_576)
	v.SetDefault("webhook.rate_limit", 50.0)
	v.SetDefault("webhook.rate_burst", 100)

	v.SetDefault("oauth.scopes", "")
	v.SetDefault("oauth.expiry_buffer", 60*time.Second)
	v.SetDefault("oauth.timeout", 10*time.Second)

	v.SetDefault("gateway.timeout", 15*time.Second)

	v.SetDefault("ledger.max_retries", 5)
	v.SetDefault("ledger.retry_backoff", 20*time.Millisecond)

	v.SetDefault("reconciliation.pending_timeout", 30*time.Minute)
	v.SetDefault("reconciliation.unverified_abandon_after", 24*time.Hour)
	v.SetDefault("reconciliation.idempotency_retention", 30*24*time.Hour)
	v.SetDefault("reconciliation.claim_timeout", 10*time.Minute)
	v.SetDefault("reconciliation.pending_interval", 5*time.Minute)
	v.SetDefault("reconciliation.escrow_interval", time.Minute)
	v.SetDefault("reconciliation.idempotency_interval", time.Hour)
	v.SetDefault("reconciliation.drift_interval", 6*time.Hour)
	v.SetDefault("reconciliation.batch_size", 100)

	v.SetDefault("events.driver", "log")
	v.SetDefault("events.kafka_brokers", "localhost:9092")
	v.SetDefault("events.kafka_topic", "payments.transactions")
	v.SetDefault("events.redis_list", "payment_events")
	v.SetDefault("events.settlement_queue", "settlement_queue")
	v.SetDefault("events.workers", 4)
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.publish_timeout", 5*time.Second)
}

// Load reads .env (when present) and the environment into the global viper
// instance, which the database package also reads from.
func Load(envFile string) (*Config, error) {
	v := viper.GetViper()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	setDefaults(v)

	if envFile != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return FromViper(v)
}

// FromViper assembles Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:       v.GetString("app.env"),
		Port:      v.GetString("app.port"),
		JWTSecret: v.GetString("jwt.secret_key"),
		Webhook: WebhookConfig{
			Secret:          v.GetString("webhook.secret"),
			SignatureHeader: v.GetString("webhook.signature_header"),
			Algorithm:       strings.ToLower(v.GetString("webhook.algorithm")),
			MaxBodyBytes:    v.GetInt64("webhook.max_body_bytes"),
			RateLimit:       v.GetFloat64("webhook.rate_limit"),
			RateBurst:       v.GetInt("webhook.rate_burst"),
		},
		OAuth: OAuthConfig{
			TokenURL:     v.GetString("oauth.token_url"),
			ClientID:     v.GetString("oauth.client_id"),
			ClientSecret: v.GetString("oauth.client_secret"),
			Scopes:       splitList(v.GetString("oauth.scopes")),
			ExpiryBuffer: v.GetDuration("oauth.expiry_buffer"),
			Timeout:      v.GetDuration("oauth.timeout"),
		},
		Gateway: GatewayConfig{
			BaseURL: strings.TrimRight(v.GetString("gateway.base_url"), "/"),
			Timeout: v.GetDuration("gateway.timeout"),
		},
		Ledger: LedgerConfig{
			MaxRetries:   v.GetInt("ledger.max_retries"),
			RetryBackoff: v.GetDuration("ledger.retry_backoff"),
		},
		Reconciliation: ReconciliationConfig{
			PendingTimeout:       v.GetDuration("reconciliation.pending_timeout"),
			IdempotencyRetention: v.GetDuration("reconciliation.idempotency_retention"),
			ClaimTimeout:         v.GetDuration("reconciliation.claim_timeout"),
			PendingInterval:      v.GetDuration("reconciliation.pending_interval"),
			EscrowInterval:       v.GetDuration("reconciliation.escrow_interval"),
			IdempotencyInterval:  v.GetDuration("reconciliation.idempotency_interval"),
			DriftInterval:        v.GetDuration("reconciliation.drift_interval"),
			BatchSize:            v.GetInt("reconciliation.batch_size"),

			UnverifiedAbandonAfter: v.GetDuration("reconciliation.unverified_abandon_after"),
		},
		Events: EventsConfig{
			Driver:          strings.ToLower(v.GetString("events.driver")),
			KafkaBrokers:    splitList(v.GetString("events.kafka_brokers")),
			KafkaTopic:      v.GetString("events.kafka_topic"),
			RedisList:       v.GetString("events.redis_list"),
			SettlementQueue: v.GetString("events.settlement_queue"),
			Workers:         v.GetInt("events.workers"),
			QueueSize:       v.GetInt("events.queue_size"),
			PublishTimeout:  v.GetDuration("events.publish_timeout"),
		},
		Escrow: LoadEscrowPolicies(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required")
	}
	switch c.Webhook.Algorithm {
	case "sha256", "sha512":
	default:
		return fmt.Errorf("webhook.algorithm %q not supported", c.Webhook.Algorithm)
	}
	if c.Ledger.MaxRetries < 1 {
		return errors.New("ledger.max_retries must be at least 1")
	}
	if c.Reconciliation.BatchSize < 1 {
		return errors.New("reconciliation.batch_size must be at least 1")
	}
	switch c.Events.Driver {
	case "kafka", "redis", "log":
	default:
		return fmt.Errorf("events.driver %q not supported", c.Events.Driver)
	}
	return c.Escrow.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
