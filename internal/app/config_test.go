package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
)

func validConfig() Config {
	return Config{
		Storage:     StorageMemory,
		Auth:        AuthConfig{JWTSecret: "secret"},
		Webhook:     WebhookConfig{Secret: "hook"},
		Discount:    DiscountConfig{Policy: "latest"},
		ObjectStore: ObjectStoreConfig{Provider: "memory"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "memory", mutate: func(*Config) {}},
		{name: "postgres", mutate: func(c *Config) { c.Storage, c.DatabaseURL = StoragePostgres, "postgres://localhost/grocer" }},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage = StoragePostgres }, wantErr: "database URL is required"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "mysql" }, wantErr: "unknown storage"},
		{name: "no jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "jwt secret"},
		{name: "no webhook secret", mutate: func(c *Config) { c.Webhook.Secret = "" }, wantErr: "webhook secret"},
		{name: "first policy", mutate: func(c *Config) { c.Discount.Policy = "first" }},
		{name: "unknown policy", mutate: func(c *Config) { c.Discount.Policy = "best" }, wantErr: "discount policy"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.ObjectStore.Provider = "gcs" }, wantErr: "bucket is required"},
		{name: "s3 with bucket", mutate: func(c *Config) { c.ObjectStore.Provider, c.ObjectStore.Bucket = "s3", "proofs" }},
		{name: "unknown provider", mutate: func(c *Config) { c.ObjectStore.Provider = "azure" }, wantErr: "unknown object store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/grocer")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/grocer", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)

	cfg = Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/grocer"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/grocer", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestOpenMemoryStorage(t *testing.T) {
	ctx := context.Background()
	cfg := validConfig()

	store, err := OpenStorage(ctx, zap.NewNop(), &cfg)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Tx.Ping(ctx))

	require.NoError(t, store.Products.Save(ctx, product.Product{ID: "p-1", StoreID: "s-1", State: product.Active}))
	ledger := stock.NewLedger(store.Stock, store.Tx)
	_, err = ledger.CreateInitialEntry(ctx, stock.Key{StoreID: "s-1", ProductID: "p-1"}, 3, "test", 0)
	require.NoError(t, err)

	qty, err := ledger.GetBalance(ctx, stock.Key{StoreID: "s-1", ProductID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)
}
