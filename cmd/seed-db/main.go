package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/storage/postgres"
)

const seedActor = "seed"

type productJSON struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"store_id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	WeightGrams int64           `json:"weight_grams"`
	Stock       int64           `json:"stock"`
	Image       struct {
		Thumbnail string `json:"thumbnail"`
		Mobile    string `json:"mobile"`
		Tablet    string `json:"tablet"`
		Desktop   string `json:"desktop"`
	} `json:"image"`
}

type discountJSON struct {
	StoreID        string          `json:"store_id"`
	ProductID      string          `json:"product_id"`
	Type           string          `json:"type"`
	Value          decimal.Decimal `json:"value"`
	MinPurchase    decimal.Decimal `json:"min_purchase"`
	MaxDiscountCap decimal.Decimal `json:"max_discount_cap"`
	// Days bounds the promotion from now. Zero leaves it open-ended.
	Days int `json:"days"`
}

type catalogJSON struct {
	Products  []productJSON  `json:"products"`
	Discounts []discountJSON `json:"discounts"`
}

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to the demo catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or GROCER_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or GROCER_AUTH_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("GROCER_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or GROCER_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("GROCER_AUTH_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	catalog, err := readCatalog(catalogFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	db := postgres.NewDB(pool)
	products := postgres.NewProductRepository(db)
	ledger := stock.NewLedger(postgres.NewStockRepository(db), db)
	discountRepo := postgres.NewDiscountRepository(db)

	if err := seedProducts(ctx, products, ledger, catalog.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedDiscounts(ctx, discountRepo, catalog.Discounts); err != nil {
		return errors.Wrap(err, "seed discounts")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(db), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func readCatalog(path string) (*catalogJSON, error) {
	slog.Info("reading catalog file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog file")
	}

	var catalog catalogJSON
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &catalog, nil
}

// seedProducts upserts the catalog and opens a stock entry per product.
// Existing entries keep their balance so reseeding never rewrites history.
func seedProducts(ctx context.Context, repo product.Repository, ledger *stock.Ledger, products []productJSON) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	now := time.Now().UTC()
	for _, p := range products {
		if err := repo.Save(ctx, product.Product{
			ID:          p.ID,
			StoreID:     p.StoreID,
			Name:        p.Name,
			Category:    p.Category,
			Price:       p.Price,
			WeightGrams: p.WeightGrams,
			State:       product.Active,
			Image: product.Image{
				Thumbnail: p.Image.Thumbnail,
				Mobile:    p.Image.Mobile,
				Tablet:    p.Image.Tablet,
				Desktop:   p.Image.Desktop,
			},
			CreatedAt: now,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		key := stock.Key{StoreID: p.StoreID, ProductID: p.ID}
		_, err := ledger.CreateInitialEntry(ctx, key, p.Stock, seedActor, p.WeightGrams)
		switch {
		case err == nil:
			slog.Info("opened stock entry", slog.String("key", key.String()), slog.Int64("quantity", p.Stock))
		case errors.Is(err, failure.ErrConflict):
			slog.Info("stock entry exists", slog.String("key", key.String()))
		default:
			return errors.Wrapf(err, "open stock entry %s", key)
		}
	}

	return nil
}

// seedDiscounts creates each demo discount unless its product already has
// one.
func seedDiscounts(ctx context.Context, repo discount.Repository, discounts []discountJSON) error {
	slog.Info("seeding demo discounts", slog.Int("count", len(discounts)))

	svc := discount.NewService(repo, discount.PolicyLatest)
	now := time.Now().UTC()
	for _, d := range discounts {
		existing, err := repo.ListForProduct(ctx, d.StoreID, d.ProductID)
		if err != nil {
			return errors.Wrapf(err, "list discounts of %s", d.ProductID)
		}
		if len(existing) > 0 {
			slog.Info("discount exists", slog.String("product_id", d.ProductID))
			continue
		}

		req := discount.CreateRequest{
			StoreID:        d.StoreID,
			ProductID:      d.ProductID,
			Type:           discount.Type(d.Type),
			Value:          d.Value,
			MinPurchase:    d.MinPurchase,
			MaxDiscountCap: d.MaxDiscountCap,
			StartDate:      now,
		}
		if d.Days > 0 {
			req.EndDate = now.AddDate(0, 0, d.Days)
		}
		created, err := svc.Create(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "create discount for %s", d.ProductID)
		}

		slog.Info("created discount", slog.String("id", created.ID), slog.String("product_id", d.ProductID))
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo auth.Repository, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	err := repo.Create(ctx, auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashAPIKey([]byte(pepper), apiKey),
		Name:    "Demo admin key",
		Scopes:  []string{auth.ScopeStockWrite, auth.ScopeDiscountsWrite, auth.ScopeOrdersAdmin},
	})
	if errors.Is(err, failure.ErrConflict) {
		slog.Info("API key exists", slog.String("id", "admin"))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "create admin API key")
	}

	slog.Info("created API key", slog.String("id", "admin"), slog.String("name", "Demo admin key"))

	return nil
}
