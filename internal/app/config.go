package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/gateway/objectstore"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (GROCER_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage      string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (GROCER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL for product images (e.g. https://cdn.example.com/images)" flag:"image-base-url"`
	Auth         AuthConfig
	Webhook      WebhookConfig
	Payment      ServiceConfig
	Shipping     ServiceConfig
	ObjectStore  ObjectStoreConfig
	Redis        RedisConfig
	PubSub       PubSubConfig
	Ledger       LedgerConfig
	Discount     DiscountConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// AuthConfig holds the shopper token and admin key secrets.
type AuthConfig struct {
	JWTSecret    string `usage:"HS256 secret of shopper bearer tokens" flag:"jwt-secret"`
	JWTIssuer    string `default:"grocer" usage:"Expected issuer of shopper tokens" flag:"jwt-issuer"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
}

// WebhookConfig verifies payment callbacks.
type WebhookConfig struct {
	Secret string `usage:"HMAC secret of payment webhook signatures" flag:"webhook-secret"`
}

// ServiceConfig points at an external HTTP service.
type ServiceConfig struct {
	URL     string        `usage:"Base URL"`
	Key     string        `usage:"Server or API key"`
	Timeout time.Duration `default:"10s" usage:"Request timeout"`
}

// ObjectStoreConfig selects where payment proofs are kept.
type ObjectStoreConfig struct {
	Provider        string `default:"memory" usage:"Proof storage: gcs, s3 or memory"`
	Bucket          string `usage:"Bucket name"`
	Region          string `usage:"S3 region"`
	Endpoint        string `usage:"S3 endpoint override"`
	PublicBaseURL   string `usage:"Base URL of stored proofs"`
	CredentialsJSON string `usage:"GCS service account key JSON"`
}

// RedisConfig enables the distributed checkout lock when Addr is set.
type RedisConfig struct {
	Addr     string        `usage:"Redis address, empty disables the checkout lock"`
	Password string        `usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	LockTTL  time.Duration `default:"30s" usage:"Checkout lock lease" flag:"lock-ttl"`
}

// PubSubConfig enables publishing settlement events when both fields are set.
type PubSubConfig struct {
	Project string `usage:"Google Cloud project"`
	Topic   string `usage:"Settlement events topic"`
}

// LedgerConfig tunes the stock ledger.
type LedgerConfig struct {
	MaxAttempts  int `default:"5" usage:"Attempts per stock write on version conflicts" flag:"ledger-max-attempts"`
	HistoryLimit int `default:"50" usage:"Movements returned by the admin stock view" flag:"history-limit"`
}

// DiscountConfig selects the discount tie-break.
type DiscountConfig struct {
	Policy string `default:"latest" usage:"Discount selection when several are active: latest or first"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "GROCER",
		Files:     []string{"config.yaml", "/etc/grocer/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that make the server unusable.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set GROCER_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required: set GROCER_AUTH_JWT_SECRET")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook secret is required: set GROCER_WEBHOOK_SECRET")
	}
	switch discount.Policy(c.Discount.Policy) {
	case discount.PolicyLatest, discount.PolicyFirst:
	default:
		return errors.Errorf("unknown discount policy %q", c.Discount.Policy)
	}
	switch objectstore.Provider(c.ObjectStore.Provider) {
	case objectstore.ProviderGCS, objectstore.ProviderS3:
		if c.ObjectStore.Bucket == "" {
			return errors.Errorf("object store bucket is required for %s", c.ObjectStore.Provider)
		}
	case objectstore.ProviderMemory, "":
	default:
		return errors.Errorf("unknown object store provider %q", c.ObjectStore.Provider)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's GROCER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
